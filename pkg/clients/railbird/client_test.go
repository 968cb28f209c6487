package railbird

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/gorilla/websocket"

	"cardroom/railbird/pkg/api/railbird"
	"cardroom/railbird/pkg/logging"
	"cardroom/railbird/pkg/testutil"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func testLogger() logging.Logger {
	logger := logging.NewLogger()
	logger.SetOutput(io.Discard)
	return logger
}

// startServer upgrades each request and runs handler with the server side
// of the socket.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

// echoInbound keeps reading client frames into received until the socket
// closes. Used as the tail of scripted handlers.
func echoInbound(conn *websocket.Conn, received chan<- railbird.Frame) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if frame, err := railbird.DecodeFrame(data); err == nil {
			received <- *frame
		}
	}
}

func connectClient(t *testing.T, baseURL string, cfg Config) *Client {
	t.Helper()
	cfg.BaseURL = baseURL
	if cfg.Token == "" {
		cfg.Token = "test-token"
	}
	if cfg.TableID == "" {
		cfg.TableID = "t1"
	}
	cfg.Logger = testLogger()

	client := NewClient(cfg)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func buildFrame(t *testing.T, frameType string, payload interface{}) *railbird.Frame {
	t.Helper()
	frame, err := railbird.NewFrame(frameType, payload)
	if err != nil {
		t.Fatalf("NewFrame(%s): %v", frameType, err)
	}
	return frame
}

func encodeFrame(t *testing.T, frame *railbird.Frame) []byte {
	t.Helper()
	data, err := railbird.EncodeFrame(frame)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	return data
}

func nextFrame(t *testing.T, c *Client) railbird.Frame {
	t.Helper()
	select {
	case frame, ok := <-c.Frames():
		if !ok {
			t.Fatalf("frame channel closed")
		}
		return frame
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for frame")
	}
	return railbird.Frame{}
}

// awaitReceived drains server-side frames until one of the wanted type
// arrives, skipping keepalive pings.
func awaitReceived(t *testing.T, received <-chan railbird.Frame, frameType string) railbird.Frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case frame := <-received:
			if frame.Type == frameType {
				return frame
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", frameType)
			return railbird.Frame{}
		}
	}
}

func TestBuildWebSocketURL(t *testing.T) {
	cases := []struct {
		name       string
		baseURL    string
		wantScheme string
	}{
		{"http base", "http://gateway.example:8017", "ws"},
		{"https base", "https://gateway.example", "wss"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := NewClient(Config{
				BaseURL:            tc.baseURL,
				Token:              "tok",
				TableID:            "t1",
				Spectator:          true,
				DisableCompression: true,
				Logger:             testLogger(),
			})
			raw, err := client.buildWebSocketURL()
			if err != nil {
				t.Fatalf("buildWebSocketURL: %v", err)
			}
			u, err := url.Parse(raw)
			if err != nil {
				t.Fatalf("parse %q: %v", raw, err)
			}
			if u.Scheme != tc.wantScheme {
				t.Errorf("scheme = %s, want %s", u.Scheme, tc.wantScheme)
			}
			if u.Path != "/ws" {
				t.Errorf("path = %s, want /ws", u.Path)
			}
			q := u.Query()
			if q.Get("token") != "tok" || q.Get("tableId") != "t1" {
				t.Errorf("auth params = %s/%s", q.Get("token"), q.Get("tableId"))
			}
			if q.Get("spectator") != "true" {
				t.Errorf("spectator param = %q, want true", q.Get("spectator"))
			}
			if q.Get("compression") != "off" {
				t.Errorf("compression param = %q, want off", q.Get("compression"))
			}
		})
	}
}

func TestClientReceivesWelcome(t *testing.T) {
	hints := railbird.DefaultRetryPolicies()
	welcome := encodeFrame(t, buildFrame(t, railbird.TypeConnectionEstablished, railbird.ConnectionEstablishedPayload{
		PlayerID:      "p1",
		Username:      "alice",
		TableID:       "t1",
		Role:          "player",
		RetryPolicies: &hints,
	}))
	base := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		if r.URL.Query().Get("token") != "test-token" {
			t.Errorf("token param = %q", r.URL.Query().Get("token"))
		}
		conn.WriteMessage(websocket.TextMessage, welcome)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	client := connectClient(t, base, Config{})

	frame := nextFrame(t, client)
	if frame.Type != railbird.TypeConnectionEstablished {
		t.Fatalf("frame type = %s, want connection_established", frame.Type)
	}
	identity := client.Welcome()
	if identity == nil {
		t.Fatal("welcome not captured")
	}
	if identity.PlayerID != "p1" || identity.Username != "alice" || identity.Role != "player" {
		t.Errorf("identity = %+v", identity)
	}
	if !client.IsConnected() {
		t.Error("client should report connected")
	}
}

func TestClientFlattensBatches(t *testing.T) {
	inner := make([]railbird.Frame, 0, 3)
	for i, street := range []string{"flop", "turn", "river"} {
		frame := buildFrame(t, railbird.TypeGameUpdate, map[string]string{"street": street})
		frame.SequenceID = uint64(4 + i)
		inner = append(inner, *frame)
	}
	batch := encodeFrame(t, buildFrame(t, railbird.TypeBatch, railbird.BatchPayload{
		Messages:  inner,
		Count:     len(inner),
		Timestamp: time.Now().UnixMilli(),
	}))
	base := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		conn.WriteMessage(websocket.TextMessage, batch)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	client := connectClient(t, base, Config{})

	for i, wantSeq := range []uint64{4, 5, 6} {
		frame := nextFrame(t, client)
		if frame.Type != railbird.TypeGameUpdate {
			t.Fatalf("frame %d type = %s, want game_update", i, frame.Type)
		}
		if frame.SequenceID != wantSeq {
			t.Errorf("frame %d sequence = %d, want %d", i, frame.SequenceID, wantSeq)
		}
	}
	if got := client.LastSequence(); got != 6 {
		t.Errorf("LastSequence = %d, want 6", got)
	}
}

func TestClientAutoAcksTrackedFrames(t *testing.T) {
	tracked := buildFrame(t, railbird.TypeChatSent, railbird.ChatSentPayload{MessageID: "msg-1"})
	tracked.SequenceID = 7
	tracked.RequiresAck = true
	encoded := encodeFrame(t, tracked)

	received := make(chan railbird.Frame, 10)
	base := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		conn.WriteMessage(websocket.TextMessage, encoded)
		echoInbound(conn, received)
	})

	client := connectClient(t, base, Config{})

	frame := nextFrame(t, client)
	if !frame.RequiresAck {
		t.Fatalf("frame = %+v, want requiresAck", frame)
	}

	ackFrame := awaitReceived(t, received, railbird.TypeAck)
	var ack railbird.AckPayload
	if err := ackFrame.DecodePayload(&ack); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if ack.SequenceID != 7 {
		t.Errorf("acked sequence = %d, want 7", ack.SequenceID)
	}
}

func TestClientSendsSubscribeAndChat(t *testing.T) {
	received := make(chan railbird.Frame, 10)
	base := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		echoInbound(conn, received)
	})

	client := connectClient(t, base, Config{TableID: "t3"})

	if err := client.Subscribe(railbird.ChannelGame, "t3"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	subFrame := awaitReceived(t, received, railbird.TypeSubscribe)
	var sub railbird.SubscribePayload
	if err := subFrame.DecodePayload(&sub); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if sub.Channel != railbird.ChannelGame || sub.TableID != "t3" {
		t.Errorf("subscribe payload = %+v", sub)
	}

	if err := client.SendChat("nice hand"); err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	chatFrame := awaitReceived(t, received, railbird.TypeChat)
	var chat railbird.ChatPayload
	if err := chatFrame.DecodePayload(&chat); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if chat.Message != "nice hand" || chat.TableID != "t3" {
		t.Errorf("chat payload = %+v", chat)
	}
}

func TestSendActionRequiresIdentity(t *testing.T) {
	base := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	client := connectClient(t, base, Config{})
	if err := client.SendAction("call", 0); err == nil {
		t.Fatal("SendAction before welcome should fail")
	}
}

func TestSendActionUsesWelcomeIdentity(t *testing.T) {
	welcome := encodeFrame(t, buildFrame(t, railbird.TypeConnectionEstablished, railbird.ConnectionEstablishedPayload{
		PlayerID: "p1",
		Username: "alice",
		TableID:  "t1",
		Role:     "player",
	}))
	received := make(chan railbird.Frame, 10)
	base := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		conn.WriteMessage(websocket.TextMessage, welcome)
		echoInbound(conn, received)
	})

	client := connectClient(t, base, Config{})
	nextFrame(t, client)

	if err := client.SendAction("raise", 200); err != nil {
		t.Fatalf("SendAction: %v", err)
	}
	frame := awaitReceived(t, received, railbird.TypePlayerAction)
	var action railbird.PlayerActionPayload
	if err := frame.DecodePayload(&action); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if action.PlayerID != "p1" || action.Action != "raise" || action.Amount != 200 {
		t.Errorf("action payload = %+v", action)
	}
	if action.TableID != "t1" {
		t.Errorf("action table = %s, want t1", action.TableID)
	}
}

func TestClientNotConnected(t *testing.T) {
	client := NewClient(Config{BaseURL: "http://127.0.0.1:0", Token: "tok", TableID: "t1", Logger: testLogger()})
	if err := client.Subscribe(railbird.ChannelGame, "t1"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Subscribe = %v, want ErrNotConnected", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	base := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	client := NewClient(Config{BaseURL: base, Token: "tok", TableID: "t1", Logger: testLogger()})
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if client.IsConnected() {
		t.Error("client still reports connected after close")
	}
	if _, ok := <-client.Frames(); ok {
		t.Error("frame channel should be closed")
	}
}

func TestRetryPolicyFromHintAttempts(t *testing.T) {
	policy := retryPolicyFromHint(railbird.RetryPolicy{MaxAttempts: 3, InitialDelayMs: 1, MaxDelayMs: 2, Jitter: true})

	attempts := 0
	_, err := failsafe.With(policy).Get(func() (any, error) {
		attempts++
		return nil, errors.New("transient failure")
	})
	if err == nil {
		t.Fatal("expected the final error to surface")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestClientAgainstMockGateway(t *testing.T) {
	gateway := testutil.NewMockGatewayServer()
	t.Cleanup(gateway.Close)

	helper := testutil.NewJWTTestHelper()
	token, err := testutil.TestPlayerAlice.GenerateJWT(helper)
	if err != nil {
		t.Fatalf("GenerateJWT: %v", err)
	}

	client := NewClient(Config{
		BaseURL: gateway.BaseURL(),
		Token:   token,
		TableID: "t5",
		Logger:  testLogger(),
	})
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	frame := nextFrame(t, client)
	if frame.Type != railbird.TypeConnectionEstablished {
		t.Fatalf("first frame = %s, want connection_established", frame.Type)
	}
	welcome := client.Welcome()
	if welcome == nil || welcome.PlayerID != testutil.TestPlayerAlice.UserID {
		t.Fatalf("welcome = %+v, want identity from token", welcome)
	}

	if err := client.Subscribe(railbird.ChannelGame, "t5"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	confirmed := nextFrame(t, client)
	if confirmed.Type != railbird.TypeSubscriptionConfirmed {
		t.Fatalf("frame = %s, want subscription_confirmed", confirmed.Type)
	}
	var sub railbird.SubscriptionConfirmedPayload
	if err := confirmed.DecodePayload(&sub); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if sub.Channel != railbird.ChannelGame || sub.TableID != "t5" {
		t.Errorf("confirmed payload = %+v", sub)
	}

	serverConn := gateway.GetConnection(testutil.TestPlayerAlice.UserID)
	if serverConn == nil {
		t.Fatal("gateway did not register the connection")
	}
	if serverConn.GetTableID() != "t5" || serverConn.GetRole() != testutil.TestPlayerAlice.Role {
		t.Errorf("gateway connection = %s/%s", serverConn.GetTableID(), serverConn.GetRole())
	}
}

func TestMockGatewayRejectsBadToken(t *testing.T) {
	gateway := testutil.NewMockGatewayServer()
	t.Cleanup(gateway.Close)

	helper := testutil.NewJWTTestHelper()
	client := NewClient(Config{
		BaseURL: gateway.BaseURL(),
		Token:   helper.GenerateMalformedJWT(),
		TableID: "t5",
		Logger:  testLogger(),
	})
	err := client.Connect(context.Background())
	if err == nil {
		client.Close()
		t.Fatal("Connect with malformed token should fail")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error = %v, want upgrade rejection", err)
	}
}
