package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/n0iac/agentcore/core"
	"github.com/n0iac/agentcore/eventbus"
)

// fakeOrchestrator records calls instead of driving a real state machine,
// letting these tests exercise only the envelope <-> call translation.
type fakeOrchestrator struct {
	bus *eventbus.Bus

	userMessages []string
	formReplies  []core.FormReply
	cancelled    bool
	reentered    bool
}

func (f *fakeOrchestrator) HandleUserMessage(ctx context.Context, tenantID, sessionID, text string) error {
	f.userMessages = append(f.userMessages, text)
	f.bus.Publish(tenantID, sessionID, core.Event{ID: core.NewID(), Kind: core.MessageAgentMarkdown,
		Content: &core.Content{Role: "assistant", Parts: []core.Part{core.TextPart{Text: "echo: " + text}}}})
	return nil
}

func (f *fakeOrchestrator) HandleFormReply(ctx context.Context, tenantID, sessionID string, reply core.FormReply) error {
	f.formReplies = append(f.formReplies, reply)
	return nil
}

func (f *fakeOrchestrator) Cancel(ctx context.Context, tenantID, sessionID string) error {
	f.cancelled = true
	return nil
}

func (f *fakeOrchestrator) Reenter(ctx context.Context, tenantID, sessionID string) error {
	f.reentered = true
	return nil
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeOrchestrator) {
	t.Helper()
	bus := eventbus.New()
	fake := &fakeOrchestrator{bus: bus}
	srv := New(fake, bus, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/agent/{tenant_id}/{session_id}", srv.HandleAgentWebSocket)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, fake
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/agent/t1/s1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServer_ReenterCalledOnConnect(t *testing.T) {
	ts, fake := newTestServer(t)
	_ = dial(t, ts)

	deadline := time.Now().Add(time.Second)
	for !fake.reentered && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !fake.reentered {
		t.Fatal("expected Reenter to be called on connect")
	}
}

func TestServer_UserMessageRoundTrips(t *testing.T) {
	ts, fake := newTestServer(t)
	conn := dial(t, ts)

	if err := conn.WriteJSON(Envelope{Type: "user_message", Payload: UserMessagePayload{Text: "hello"}}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var got Envelope
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != "markdown" {
		t.Fatalf("expected markdown envelope, got %q", got.Type)
	}
	if len(fake.userMessages) != 1 || fake.userMessages[0] != "hello" {
		t.Fatalf("expected orchestrator to see the user message, got %v", fake.userMessages)
	}
}

func TestServer_ControlCancelInvokesOrchestrator(t *testing.T) {
	ts, fake := newTestServer(t)
	conn := dial(t, ts)

	if err := conn.WriteJSON(Envelope{Type: "control", Payload: ControlPayload{Action: "cancel"}}); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for !fake.cancelled && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !fake.cancelled {
		t.Fatal("expected Cancel to be called")
	}
}

func TestServer_FormReplyRoundTrips(t *testing.T) {
	ts, fake := newTestServer(t)
	conn := dial(t, ts)

	payload := ComponentPayload{Component: "ui_interaction", Data: FormData{
		Form: &WireForm{ID: "form-1", Values: map[string]string{"approve": "yes"}},
	}}
	if err := conn.WriteJSON(Envelope{Type: "component", Payload: payload}); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for len(fake.formReplies) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(fake.formReplies) != 1 {
		t.Fatalf("expected one form reply, got %d", len(fake.formReplies))
	}
	if fake.formReplies[0].FormID != "form-1" || fake.formReplies[0].Values["approve"] != "yes" {
		t.Fatalf("unexpected form reply: %+v", fake.formReplies[0])
	}
}
