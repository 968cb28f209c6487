package websocket

import (
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"cardroom/railbird/internal/delivery"
	"cardroom/railbird/internal/history"
	"cardroom/railbird/internal/ratelimit"
	"cardroom/railbird/pkg/api/railbird"
	"cardroom/railbird/pkg/auth"
)

const gatewaySecret = "gateway-test-secret"

// gatewayRig runs the full upgrade path against a live HTTP server so
// the tests below exercise real websocket traffic end to end.
type gatewayRig struct {
	hub       *Hub
	moderator *fakeModerator
	engine    *fakeEngine
	sink      *recordingSink
	server    *httptest.Server
}

func newGatewayRig(t *testing.T, cfg Config, limits map[string]ratelimit.Config) *gatewayRig {
	t.Helper()
	gin.SetMode(gin.TestMode)

	// Fixed batching keeps flush boundaries deterministic and plain
	// text frames keep failures readable.
	if cfg.Delivery == (delivery.Config{}) {
		cfg.Delivery = delivery.Config{
			BatchWindow:         50 * time.Millisecond,
			MaxBatchSize:        10,
			EnableDeduplication: true,
		}
	}

	engine := &fakeEngine{}
	mod := &fakeModerator{}
	sink := &recordingSink{}
	hub := NewHub(cfg, nil, history.NewLog(256, time.Minute), sink, engine, testLogger())
	t.Cleanup(hub.Shutdown)

	if limits == nil {
		limits = map[string]ratelimit.Config{
			railbird.ChannelChat: {MaxTokens: 100, Window: time.Minute},
		}
	}
	limiter := ratelimit.NewLimiter(limits, sink, testLogger())
	dispatcher := NewDispatcher(hub, mod, engine, &fakeStore{}, limiter, "test", testLogger())
	gateway := NewGateway(hub, dispatcher, auth.NewJWTVerifier([]byte(gatewaySecret)), sink, testLogger())

	router := gin.New()
	router.GET("/ws", gateway.HandleWebSocket)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &gatewayRig{hub: hub, moderator: mod, engine: engine, sink: sink, server: server}
}

func (r *gatewayRig) wsURL(query string) string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http") + "/ws?" + query
}

func mintToken(t *testing.T, userID, username, role string) string {
	t.Helper()
	token, err := auth.GenerateJWT(userID, username, role, []byte(gatewaySecret))
	if err != nil {
		t.Fatalf("GenerateJWT(%s): %v", userID, err)
	}
	return token
}

func dialRaw(t *testing.T, r *gatewayRig, query string) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(r.wsURL(query), nil)
	if err != nil {
		t.Fatalf("Dial(%s): %v", query, err)
	}
	resp.Body.Close()
	t.Cleanup(func() { ws.Close() })
	return ws
}

func dialPlayer(t *testing.T, r *gatewayRig, userID, tableID string) (*websocket.Conn, *wsReader) {
	t.Helper()
	token := mintToken(t, userID, "user-"+userID, auth.RolePlayer)
	ws := dialRaw(t, r, fmt.Sprintf("token=%s&tableId=%s", token, tableID))
	return ws, newWSReader(ws)
}

// dialAndWelcome dials and consumes the welcome frame so the stream
// starts clean for the test body.
func dialAndWelcome(t *testing.T, r *gatewayRig, userID, tableID string) (*websocket.Conn, *wsReader) {
	t.Helper()
	ws, reader := dialPlayer(t, r, userID, tableID)
	reader.await(t, railbird.TypeConnectionEstablished)
	return ws, reader
}

// wsReader drains a client socket, transparently flattening batch
// frames so tests can assert on logical frames.
type wsReader struct {
	ws      *websocket.Conn
	pending []railbird.Frame
}

func newWSReader(ws *websocket.Conn) *wsReader { return &wsReader{ws: ws} }

// raw reads exactly one wire message without unpacking batches.
func (r *wsReader) raw(t *testing.T, timeout time.Duration) railbird.Frame {
	t.Helper()
	r.ws.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := r.ws.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	frame, err := railbird.DecodeFrame(data)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	return *frame
}

func (r *wsReader) next(t *testing.T, timeout time.Duration) railbird.Frame {
	t.Helper()
	for len(r.pending) == 0 {
		frame := r.raw(t, timeout)
		if frame.Type != railbird.TypeBatch {
			return frame
		}
		batch, err := railbird.DecodeBatch(&frame)
		if err != nil {
			t.Fatalf("DecodeBatch: %v", err)
		}
		r.pending = batch
	}
	frame := r.pending[0]
	r.pending = r.pending[1:]
	return frame
}

func (r *wsReader) await(t *testing.T, frameType string) railbird.Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		frame := r.next(t, time.Until(deadline))
		if frame.Type == frameType {
			return frame
		}
	}
	t.Fatalf("no %s frame before deadline", frameType)
	return railbird.Frame{}
}

func sendFrame(t *testing.T, ws *websocket.Conn, frameType string, payload interface{}) {
	t.Helper()
	data, err := railbird.EncodeFrame(mustFrame(t, frameType, payload))
	if err != nil {
		t.Fatalf("EncodeFrame(%s): %v", frameType, err)
	}
	ws.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("WriteMessage(%s): %v", frameType, err)
	}
}

func decodePayload(t *testing.T, frame railbird.Frame, into interface{}) {
	t.Helper()
	if err := frame.DecodePayload(into); err != nil {
		t.Fatalf("DecodePayload(%s): %v", frame.Type, err)
	}
}

func subscribeTable(t *testing.T, ws *websocket.Conn, reader *wsReader, channel, tableID string) {
	t.Helper()
	sendFrame(t, ws, railbird.TypeSubscribe, railbird.SubscribePayload{Channel: channel, TableID: tableID})
	frame := reader.await(t, railbird.TypeSubscriptionConfirmed)
	var p railbird.SubscriptionConfirmedPayload
	decodePayload(t, frame, &p)
	if p.Channel != channel {
		t.Fatalf("confirmed channel = %q, want %q", p.Channel, channel)
	}
}

// expectClose drains the socket until the peer closes it and checks
// the close code and reason.
func expectClose(t *testing.T, ws *websocket.Conn, code int, text string) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			closeErr, ok := err.(*websocket.CloseError)
			if !ok {
				t.Fatalf("read error = %v, want close %d %q", err, code, text)
			}
			if closeErr.Code != code || closeErr.Text != text {
				t.Fatalf("close = %d %q, want %d %q", closeErr.Code, closeErr.Text, code, text)
			}
			return
		}
	}
}

func verifyAlive(t *testing.T, ws *websocket.Conn, reader *wsReader) {
	t.Helper()
	sendFrame(t, ws, railbird.TypePing, nil)
	reader.await(t, railbird.TypePong)
}

func TestGatewayWelcomesNewConnection(t *testing.T) {
	rig := newGatewayRig(t, Config{}, nil)
	_, reader := dialPlayer(t, rig, "p1", "t1")

	frame := reader.await(t, railbird.TypeConnectionEstablished)
	var p railbird.ConnectionEstablishedPayload
	decodePayload(t, frame, &p)

	if p.PlayerID != "p1" || p.Username != "user-p1" || p.TableID != "t1" || p.Role != auth.RolePlayer {
		t.Errorf("welcome = %+v, want p1/user-p1/t1/player", p)
	}
	if p.RetryPolicies == nil {
		t.Fatal("welcome missing retry policies")
	}
	if p.RetryPolicies.Reconnect.MaxAttempts != 5 || p.RetryPolicies.Reconnect.InitialDelayMs != 1000 {
		t.Errorf("reconnect hints = %+v, want 5 attempts from 1000ms", p.RetryPolicies.Reconnect)
	}
}

func TestGatewayRejectsBadRequests(t *testing.T) {
	rig := newGatewayRig(t, Config{}, nil)
	good := mintToken(t, "p1", "user-p1", auth.RolePlayer)
	forged, err := auth.GenerateJWT("p1", "user-p1", auth.RolePlayer, []byte("some-other-secret"))
	if err != nil {
		t.Fatalf("GenerateJWT: %v", err)
	}

	cases := []struct {
		name   string
		query  string
		reason string
	}{
		{"no params", "", railbird.CloseReasonMissingParams},
		{"missing table", "token=" + good, railbird.CloseReasonMissingParams},
		{"missing token", "tableId=t1", railbird.CloseReasonMissingParams},
		{"garbage token", "token=not-a-jwt&tableId=t1", railbird.CloseReasonInvalidToken},
		{"wrong signature", "token=" + forged + "&tableId=t1", railbird.CloseReasonInvalidToken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ws := dialRaw(t, rig, tc.query)
			expectClose(t, ws, websocket.ClosePolicyViolation, tc.reason)
		})
	}
}

func TestGatewaySpectatorFlagNarrowsRole(t *testing.T) {
	rig := newGatewayRig(t, Config{}, nil)

	cases := []struct {
		name  string
		role  string
		extra string
		want  string
	}{
		{"spectator flag downgrades player", auth.RolePlayer, "&spectator=true", auth.RoleSpectator},
		{"role param downgrades player", auth.RolePlayer, "&role=spectator", auth.RoleSpectator},
		{"admin keeps token role", auth.RoleAdmin, "&spectator=true", auth.RoleAdmin},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			userID := fmt.Sprintf("viewer-%d", i)
			token := mintToken(t, userID, "user-"+userID, tc.role)
			ws := dialRaw(t, rig, fmt.Sprintf("token=%s&tableId=t1%s", token, tc.extra))
			reader := newWSReader(ws)

			frame := reader.await(t, railbird.TypeConnectionEstablished)
			var p railbird.ConnectionEstablishedPayload
			decodePayload(t, frame, &p)
			if p.Role != tc.want {
				t.Errorf("role = %q, want %q", p.Role, tc.want)
			}
		})
	}
}

func TestGatewayReplacesDuplicateSession(t *testing.T) {
	rig := newGatewayRig(t, Config{}, nil)

	first, _ := dialAndWelcome(t, rig, "p1", "t1")
	second, reader := dialPlayer(t, rig, "p1", "t1")

	expectClose(t, first, websocket.CloseNormalClosure, railbird.CloseReasonReplaced)
	reader.await(t, railbird.TypeConnectionEstablished)
	verifyAlive(t, second, reader)
}

func TestGatewayChatRoundTrip(t *testing.T) {
	rig := newGatewayRig(t, Config{}, nil)

	aliceWS, alice := dialAndWelcome(t, rig, "alice", "t1")
	bobWS, bob := dialAndWelcome(t, rig, "bob", "t1")
	subscribeTable(t, aliceWS, alice, railbird.ChannelGame, "t1")
	subscribeTable(t, bobWS, bob, railbird.ChannelGame, "t1")

	sendFrame(t, aliceWS, railbird.TypeChat, railbird.ChatPayload{Message: "nice river"})

	sent := alice.await(t, railbird.TypeChatSent)
	var confirmation railbird.ChatSentPayload
	decodePayload(t, sent, &confirmation)
	if confirmation.MessageID != "msg-1" || confirmation.Timestamp == 0 {
		t.Errorf("chat_sent = %+v, want msg-1 with timestamp", confirmation)
	}

	received := bob.await(t, railbird.TypeChat)
	var broadcast railbird.ChatBroadcastPayload
	decodePayload(t, received, &broadcast)
	if broadcast.PlayerID != "alice" || broadcast.Username != "user-alice" {
		t.Errorf("broadcast sender = %s/%s, want alice/user-alice", broadcast.PlayerID, broadcast.Username)
	}
	if broadcast.MessageID != "msg-1" || broadcast.Message != "nice river" {
		t.Errorf("broadcast = %+v, want msg-1 %q", broadcast, "nice river")
	}
	if !received.RequiresAck || received.SequenceID == 0 {
		t.Errorf("broadcast frame ack=%t seq=%d, want tracked frame", received.RequiresAck, received.SequenceID)
	}

	sendFrame(t, bobWS, railbird.TypeAck, railbird.AckPayload{SequenceID: received.SequenceID})

	delivered := alice.await(t, railbird.TypeChatDelivered)
	var status railbird.ChatDeliveredPayload
	decodePayload(t, delivered, &status)
	if status.MessageID != "msg-1" || status.Status != railbird.DeliveryDelivered {
		t.Errorf("chat_delivered = %+v, want msg-1 delivered", status)
	}
}

func TestGatewayChatRateLimit(t *testing.T) {
	rig := newGatewayRig(t, Config{}, map[string]ratelimit.Config{
		railbird.ChannelChat: {MaxTokens: 10, Window: time.Minute},
	})

	ws, reader := dialAndWelcome(t, rig, "chatty", "t1")
	for i := 0; i < 12; i++ {
		sendFrame(t, ws, railbird.TypeChat, railbird.ChatPayload{Message: fmt.Sprintf("hand %d", i)})
	}

	var sent, limited int
	deadline := time.Now().Add(3 * time.Second)
	for sent+limited < 12 {
		frame := reader.next(t, time.Until(deadline))
		switch frame.Type {
		case railbird.TypeChatSent:
			sent++
		case railbird.TypeError:
			var p railbird.ErrorPayload
			decodePayload(t, frame, &p)
			if p.Message != railbird.ErrMsgRateLimited {
				t.Fatalf("error = %q, want %q", p.Message, railbird.ErrMsgRateLimited)
			}
			limited++
		case railbird.TypeChatDelivered:
			// delivery status for messages with no other recipients
		default:
			t.Fatalf("unexpected %s frame during flood", frame.Type)
		}
	}
	if sent != 10 || limited != 2 {
		t.Errorf("outcomes = %d sent, %d limited, want 10 and 2", sent, limited)
	}
	if got := rig.moderator.sentCount(); got != 10 {
		t.Errorf("moderator received %d messages, want 10", got)
	}
	verifyAlive(t, ws, reader)
}

func TestGatewayBatchingWithPriorityBypass(t *testing.T) {
	rig := newGatewayRig(t, Config{}, nil)

	ws, reader := dialAndWelcome(t, rig, "railbird", "t1")
	subscribeTable(t, ws, reader, railbird.ChannelGame, "t1")

	for i := 1; i <= 15; i++ {
		rig.hub.BroadcastToTable("t1", mustFrame(t, railbird.TypeGameUpdate, map[string]int{"hand": i}))
	}
	rig.hub.BroadcastToTable("t1", mustFrame(t, railbird.TypeDisconnectWarning, railbird.DisconnectWarningPayload{
		PlayerID:     "p9",
		Username:     "user-p9",
		GraceSeconds: 30,
	}))

	first := reader.raw(t, 2*time.Second)
	if first.Type != railbird.TypeBatch {
		t.Fatalf("first frame = %s, want size-triggered batch", first.Type)
	}
	full, err := railbird.DecodeBatch(&first)
	if err != nil {
		t.Fatalf("DecodeBatch: %v", err)
	}
	if len(full) != 10 {
		t.Fatalf("first batch size = %d, want 10", len(full))
	}
	assertHandRange(t, full, 1, 10)

	second := reader.raw(t, 2*time.Second)
	if second.Type != railbird.TypeDisconnectWarning {
		t.Fatalf("second frame = %s, want disconnect_warning ahead of queued updates", second.Type)
	}

	third := reader.raw(t, 2*time.Second)
	if third.Type != railbird.TypeBatch {
		t.Fatalf("third frame = %s, want window-flushed remainder", third.Type)
	}
	rest, err := railbird.DecodeBatch(&third)
	if err != nil {
		t.Fatalf("DecodeBatch: %v", err)
	}
	if len(rest) != 5 {
		t.Fatalf("remainder batch size = %d, want 5", len(rest))
	}
	assertHandRange(t, rest, 11, 15)
}

func assertHandRange(t *testing.T, frames []railbird.Frame, from, to int) {
	t.Helper()
	want := from
	for _, frame := range frames {
		var p struct {
			Hand int `json:"hand"`
		}
		decodePayload(t, frame, &p)
		if p.Hand != want {
			t.Fatalf("update out of order: hand %d, want %d", p.Hand, want)
		}
		want++
	}
	if want != to+1 {
		t.Fatalf("updates ended at hand %d, want %d", want-1, to)
	}
}

func TestGatewayReplayAfterReconnect(t *testing.T) {
	rig := newGatewayRig(t, Config{GracePeriod: 5 * time.Second}, nil)

	ws, reader := dialAndWelcome(t, rig, "alice", "t1")
	subscribeTable(t, ws, reader, railbird.ChannelGame, "t1")

	live, _ := rig.hub.BroadcastToTable("t1", mustFrame(t, railbird.TypeGameUpdate, map[string]int{"hand": 1}))
	if got := reader.await(t, railbird.TypeGameUpdate); got.SequenceID != live.SequenceID {
		t.Fatalf("live update seq = %d, want %d", got.SequenceID, live.SequenceID)
	}

	// Drop the transport without a close frame, as a flaky network
	// would, and wait for the server to notice.
	ws.Close()
	waitFor(t, 2*time.Second, func() bool {
		c := rig.hub.ConnectionByPrincipal("alice")
		return c != nil && c.State() == "grace"
	}, "connection never entered grace")

	var missedSeqs []uint64
	for i := 2; i <= 4; i++ {
		stamped, _ := rig.hub.BroadcastToTable("t1", mustFrame(t, railbird.TypeGameUpdate, map[string]int{"hand": i}))
		missedSeqs = append(missedSeqs, stamped.SequenceID)
	}

	ws2, reader2 := dialPlayer(t, rig, "alice", "t1")

	var seen []railbird.Frame
	var header *railbird.ReconnectionSuccessfulPayload
	var replayed []railbird.Frame
	deadline := time.Now().Add(3 * time.Second)
	for header == nil || len(replayed) < len(missedSeqs) {
		frame := reader2.next(t, time.Until(deadline))
		seen = append(seen, frame)
		switch frame.Type {
		case railbird.TypeReconnectionSuccessful:
			var p railbird.ReconnectionSuccessfulPayload
			decodePayload(t, frame, &p)
			header = &p
		case railbird.TypeGameUpdate:
			replayed = append(replayed, frame)
		}
	}

	// A rebound session resumes where it left off, it is not welcomed
	// again.
	for _, frame := range seen {
		if frame.Type == railbird.TypeConnectionEstablished {
			t.Fatal("rebound session received a welcome frame")
		}
	}
	// The disconnect warning and system notice fired during the outage
	// replay alongside the three missed updates.
	if header.MissedUpdates != 5 {
		t.Errorf("missedUpdates = %d, want 5", header.MissedUpdates)
	}
	for i, frame := range replayed {
		if frame.SequenceID != missedSeqs[i] {
			t.Fatalf("replay[%d] seq = %d, want %d", i, frame.SequenceID, missedSeqs[i])
		}
	}

	session := rig.hub.ConnectionByPrincipal("alice")
	if session == nil {
		t.Fatal("session missing after rebind")
	}
	if session.Reconnects() != 1 {
		t.Errorf("reconnects = %d, want 1", session.Reconnects())
	}
	verifyAlive(t, ws2, reader2)
}

func TestGatewayTableCapacity(t *testing.T) {
	rig := newGatewayRig(t, Config{MaxConnectionsPerTable: 3}, nil)

	for i := 1; i <= 3; i++ {
		dialAndWelcome(t, rig, fmt.Sprintf("seat-%d", i), "t1")
	}

	token := mintToken(t, "seat-4", "user-seat-4", auth.RolePlayer)
	late := dialRaw(t, rig, "token="+token+"&tableId=t1")
	expectClose(t, late, websocket.ClosePolicyViolation, railbird.ErrMsgTableConnLimit)

	// The same player fits at a table with open seats.
	dialAndWelcome(t, rig, "seat-4", "t2")
}

func TestGatewayDeduplicatesRepeatedState(t *testing.T) {
	rig := newGatewayRig(t, Config{}, nil)

	ws, reader := dialAndWelcome(t, rig, "watcher", "t1")
	subscribeTable(t, ws, reader, railbird.ChannelGame, "t1")

	for _, street := range []string{"flop", "turn", "flop", "river"} {
		rig.hub.BroadcastToTable("t1", mustFrame(t, railbird.TypeGameUpdate, map[string]string{"street": street}))
	}

	frame := reader.raw(t, 2*time.Second)
	if frame.Type != railbird.TypeBatch {
		t.Fatalf("frame = %s, want batch", frame.Type)
	}
	batch, err := railbird.DecodeBatch(&frame)
	if err != nil {
		t.Fatalf("DecodeBatch: %v", err)
	}
	var got []string
	for _, f := range batch {
		var p struct {
			Street string `json:"street"`
		}
		decodePayload(t, f, &p)
		got = append(got, p.Street)
	}
	want := []string{"flop", "turn", "river"}
	if len(got) != len(want) {
		t.Fatalf("batch carried %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("batch carried %v, want %v", got, want)
		}
	}
}

func TestGatewayMalformedFramesKeepConnection(t *testing.T) {
	rig := newGatewayRig(t, Config{}, nil)

	ws, reader := dialAndWelcome(t, rig, "p1", "t1")

	ws.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := ws.WriteMessage(websocket.TextMessage, []byte("{broken")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	frame := reader.await(t, railbird.TypeError)
	var p railbird.ErrorPayload
	decodePayload(t, frame, &p)
	if p.Message != railbird.ErrMsgInvalidFormat {
		t.Errorf("error = %q, want %q", p.Message, railbird.ErrMsgInvalidFormat)
	}

	sendFrame(t, ws, "warp_drive", nil)
	frame = reader.await(t, railbird.TypeError)
	decodePayload(t, frame, &p)
	if p.Message != railbird.ErrMsgUnknownMessageType {
		t.Errorf("error = %q, want %q", p.Message, railbird.ErrMsgUnknownMessageType)
	}

	verifyAlive(t, ws, reader)
}

func TestGatewayShutdownClosesClients(t *testing.T) {
	rig := newGatewayRig(t, Config{}, nil)
	ws, _ := dialAndWelcome(t, rig, "p1", "t1")

	rig.hub.Shutdown()
	expectClose(t, ws, websocket.CloseNormalClosure, railbird.CloseReasonServerShutdown)
}
