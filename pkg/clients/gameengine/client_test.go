package gameengine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	api "cardroom/railbird/pkg/api/gameengine"
	"cardroom/railbird/pkg/clients"
	"cardroom/railbird/pkg/logging"
)

func newTestClient(baseURL string) *Client {
	retryConfig := clients.DefaultRetryConfig()
	retryConfig.MaxRetries = 0
	return NewClient(Config{
		BaseURL:      baseURL,
		ServiceToken: "svc-token",
		Logger:       logging.NewLogger(),
		RetryConfig:  &retryConfig,
	})
}

func TestSubmitActionSuccess(t *testing.T) {
	var gotPath string
	var gotReq api.ActionRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotReq)

		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"success": true, "state": {"pot": 600, "toAct": "p2"}}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	resp, err := c.SubmitAction(context.Background(), &api.ActionRequest{
		PlayerID: "p1",
		TableID:  "table-9",
		Action:   api.ActionRaise,
		Amount:   200,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotPath != "/tables/table-9/actions" {
		t.Fatalf("expected /tables/table-9/actions, got %s", gotPath)
	}
	if gotReq.Action != "raise" || gotReq.Amount != 200 {
		t.Fatalf("request not forwarded intact: %+v", gotReq)
	}
	if !resp.Success {
		t.Fatal("expected success verdict")
	}
	if len(resp.State) == 0 {
		t.Fatal("expected state delta")
	}
}

func TestSubmitActionRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = fmt.Fprint(w, `{"success": false, "error": "not your turn"}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	resp, err := c.SubmitAction(context.Background(), &api.ActionRequest{
		PlayerID: "p1", TableID: "table-9", Action: api.ActionCheck,
	})
	if err != nil {
		t.Fatalf("422 should return a verdict, not an error: %v", err)
	}
	if resp.Success {
		t.Fatal("expected rejection verdict")
	}
	if resp.Error != "not your turn" {
		t.Fatalf("expected rejection reason, got %q", resp.Error)
	}
}

func TestSubmitActionServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.SubmitAction(context.Background(), &api.ActionRequest{
		PlayerID: "p1", TableID: "table-9", Action: api.ActionFold,
	})
	if err == nil {
		t.Fatal("expected error for 502 response")
	}
}

func TestReportDisconnect(t *testing.T) {
	var gotReport api.DisconnectReport

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotReport)
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"recoveryPolicy": "auto-fold"}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	resp, err := c.ReportDisconnect(context.Background(), &api.DisconnectReport{
		PlayerID: "p1",
		TableID:  "table-9",
		InHand:   true,
		HasBet:   true,
		Duration: 42 * time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !gotReport.InHand || !gotReport.HasBet {
		t.Fatalf("hand context not forwarded: %+v", gotReport)
	}
	if gotReport.DurationSeconds != 42 {
		t.Fatalf("expected duration 42s on the wire, got %d", gotReport.DurationSeconds)
	}
	if resp.RecoveryPolicy != api.RecoveryAutoFold {
		t.Fatalf("expected auto-fold policy, got %q", resp.RecoveryPolicy)
	}
}

func TestGetTableState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tables/table-9/state" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"tableId": "table-9", "handId": "h-77", "state": {"street": "turn"}, "updatedAt": "2026-03-01T12:00:00Z"}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	state, err := c.GetTableState(context.Background(), "table-9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.TableID != "table-9" || state.HandID != "h-77" {
		t.Fatalf("state mismatch: %+v", state)
	}
}
