package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/n0iac/agentcore/core"
	"github.com/n0iac/agentcore/eventbus"
	"github.com/n0iac/agentcore/logging"
)

// OrchestratorAPI is the subset of *orchestrator.Orchestrator the transport
// layer needs. Declared here rather than imported directly so transport
// tests can substitute a fake without pulling in the whole orchestrator's
// collaborator graph.
type OrchestratorAPI interface {
	HandleUserMessage(ctx context.Context, tenantID, sessionID, text string) error
	HandleFormReply(ctx context.Context, tenantID, sessionID string, reply core.FormReply) error
	Cancel(ctx context.Context, tenantID, sessionID string) error
	Reenter(ctx context.Context, tenantID, sessionID string) error
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server exposes the /ws/agent/{tenant_id}/{session_id} route described in
// the external interface spec, bridging each connection's inbound envelopes
// to Orchestrator calls and its outbound EventBus subscription to outbound
// envelopes. Grounded on nstogner-operative's chat websocket handler:
// upgrade, a writer goroutine draining an update channel with a keepalive
// ticker, a reader loop decoding inbound JSON until the connection closes.
type Server struct {
	orchestrator OrchestratorAPI
	bus          *eventbus.Bus
	logger       logging.Logger
}

// New constructs a Server. logger may be nil.
func New(orchestrator OrchestratorAPI, bus *eventbus.Bus, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Server{orchestrator: orchestrator, bus: bus, logger: logger}
}

// HandleAgentWebSocket implements the /ws/agent/{tenant_id}/{session_id}
// route. Register it with http.ServeMux.Handle("/ws/agent/{tenant_id}/{session_id}", ...)
// on Go 1.22+'s pattern-based mux, which populates r.PathValue.
func (s *Server) HandleAgentWebSocket(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant_id")
	sessionID := r.PathValue("session_id")
	if tenantID == "" || sessionID == "" {
		http.Error(w, "missing tenant_id or session_id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx := r.Context()
	connID := core.NewID()
	events, unsubscribe := s.bus.Subscribe(tenantID, sessionID, connID)
	defer unsubscribe()

	if err := s.orchestrator.Reenter(ctx, tenantID, sessionID); err != nil {
		s.writeError(conn, "internal", err.Error())
		return
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writePump(conn, events)
	}()

	s.readPump(ctx, conn, tenantID, sessionID)

	conn.Close() // unblocks writePump's next WriteMessage, ending the goroutine
	wg.Wait()
}

// writePump forwards bus events as envelopes plus a keepalive ping, until
// the connection closes or the subscription is torn down by the caller.
func (s *Server) writePump(conn *websocket.Conn, events <-chan core.Event) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			envelope, forward := toEnvelope(ev)
			if !forward {
				continue
			}
			if err := conn.WriteJSON(envelope); err != nil {
				s.logger.Error("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump decodes inbound envelopes and dispatches them to the
// Orchestrator until the client disconnects or sends control:close.
func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, tenantID, sessionID string) {
	for {
		var raw json.RawMessage
		if err := conn.ReadJSON(&raw); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Error("websocket read error", "error", err)
			}
			return
		}

		var env struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			s.writeError(conn, "validation", "malformed envelope")
			continue
		}

		switch env.Type {
		case "user_message":
			var p UserMessagePayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				s.writeError(conn, "validation", "malformed user_message payload")
				continue
			}
			if err := s.orchestrator.HandleUserMessage(ctx, tenantID, sessionID, p.Text); err != nil {
				s.writeError(conn, "validation", err.Error())
			}

		case "component":
			var p ComponentPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				s.writeError(conn, "validation", "malformed component payload")
				continue
			}
			if p.Component != "ui_interaction" {
				continue
			}
			reply, ok := decodeFormReply(p.Data)
			if !ok {
				continue
			}
			if err := s.orchestrator.HandleFormReply(ctx, tenantID, sessionID, reply); err != nil {
				s.writeError(conn, "validation", err.Error())
			}

		case "control":
			var p ControlPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				s.writeError(conn, "validation", "malformed control payload")
				continue
			}
			switch p.Action {
			case "cancel":
				if err := s.orchestrator.Cancel(ctx, tenantID, sessionID); err != nil {
					s.writeError(conn, "internal", err.Error())
				}
			case "close":
				return
			}

		default:
			s.writeError(conn, "validation", "unknown envelope type")
		}
	}
}

// decodeFormReply re-decodes a ui_interaction component's Data (itself
// already json.RawMessage-typed under ComponentPayload.Data==any, so it
// round-trips through json.Marshal) into a core.FormReply.
func decodeFormReply(data any) (core.FormReply, bool) {
	raw, err := json.Marshal(data)
	if err != nil {
		return core.FormReply{}, false
	}
	var fd struct {
		Form *WireForm `json:"form"`
	}
	if err := json.Unmarshal(raw, &fd); err != nil || fd.Form == nil || fd.Form.ID == "" {
		return core.FormReply{}, false
	}
	return core.FormReply{FormID: fd.Form.ID, Values: fd.Form.Values}, true
}

func (s *Server) writeError(conn *websocket.Conn, kind, message string) {
	_ = conn.WriteJSON(Envelope{Type: "error", Payload: ErrorPayload{Kind: kind, Message: message}})
}
