// Command orchestratord wires the EventBus, Checkpointer, MemoryStore,
// ToolRegistry, ContextAssembler, AgentRunner, and Orchestrator together
// behind a websocket listener, mirroring the shape of
// nstogner-operative's cmd/operative/main.go: read config from the
// environment, construct each collaborator, wire the process-level
// background loops, then start serving.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/n0iac/agentcore/agentrunner"
	"github.com/n0iac/agentcore/checkpoint"
	"github.com/n0iac/agentcore/config"
	"github.com/n0iac/agentcore/contextassembler"
	"github.com/n0iac/agentcore/eventbus"
	"github.com/n0iac/agentcore/logging"
	"github.com/n0iac/agentcore/memorystore"
	"github.com/n0iac/agentcore/model"
	"github.com/n0iac/agentcore/model/anthropic"
	"github.com/n0iac/agentcore/model/openai"
	"github.com/n0iac/agentcore/orchestrator"
	"github.com/n0iac/agentcore/pdftool"
	"github.com/n0iac/agentcore/toolregistry"
	"github.com/n0iac/agentcore/transport"
)

const shutdownGrace = 10 * time.Second

func main() {
	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)

	catalogPath := getenv("ORCHESTRATORD_CATALOG", "catalog.yaml")
	cat, err := config.Load(catalogPath)
	if err != nil {
		slog.Error("failed to load catalog", "path", catalogPath, "error", err)
		os.Exit(1)
	}

	checkpointer, err := newCheckpointer(getenv("ORCHESTRATORD_DB", "data/orchestratord.db"))
	if err != nil {
		slog.Error("failed to open checkpoint store", "error", err)
		os.Exit(1)
	}
	if closer, ok := checkpointer.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	memory := memorystore.NewInMemoryStore()
	tools := newToolRegistry()
	assembler := contextassembler.New(memory, tools)
	runner := agentrunner.New(modelResolver(), logger)
	bus := eventbus.New()

	orch := orchestrator.New(cat, checkpointer, assembler, runner, tools, bus, memory, logger)

	srv := transport.New(orch, bus, logger)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/agent/{tenant_id}/{session_id}", srv.HandleAgentWebSocket)
	mux.HandleFunc("/debug/state/{tenant_id}/{session_id}", debugStateHandler(checkpointer))

	addr := getenv("ORCHESTRATORD_ADDR", ":8080")
	httpSrv := &http.Server{Addr: addr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	slog.Info("orchestratord listening", "addr", addr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// stateTagPeeker is implemented by checkpointer backends that can report a
// session's current state tag without a full Load (checkpoint.SQLiteCheckpointer
// does, via gjson over the stored blob). debugStateHandler falls back to a
// full LoadLatest for backends that don't.
type stateTagPeeker interface {
	PeekStateTag(tenantID, sessionID string) (string, bool, error)
}

// debugStateHandler serves a session's current state tag, for an operator
// checking whether a session is stuck without needing sqlite3 on the box.
func debugStateHandler(cp checkpoint.Checkpointer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.PathValue("tenant_id")
		sessionID := r.PathValue("session_id")

		var tag string
		var ok bool
		var err error
		if peeker, supported := cp.(stateTagPeeker); supported {
			tag, ok, err = peeker.PeekStateTag(tenantID, sessionID)
		} else {
			cpVal, loaded, loadErr := cp.LoadLatest(tenantID, sessionID)
			tag, ok, err = cpVal.StateTag, loaded, loadErr
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"state_tag":%q}`, tag)
	}
}

// newCheckpointer opens the durable SQLite checkpointer by default, or an
// in-memory one when ORCHESTRATORD_CHECKPOINT=memory.
func newCheckpointer(dbPath string) (checkpoint.Checkpointer, error) {
	if getenv("ORCHESTRATORD_CHECKPOINT", "sqlite") == "memory" {
		return checkpoint.NewInMemoryCheckpointer(), nil
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}
	return checkpoint.Open(dbPath)
}

// newToolRegistry registers the reference tool set. pdf_extract is
// idempotent (re-extracting the same artifact yields the same text), so it
// is safe to retry without idempotency gating.
func newToolRegistry() *toolregistry.Registry {
	reg := toolregistry.New()
	reg.Register(pdftool.NewExtractTool(), true, 15_000)
	return reg
}

// modelResolver binds the catalog's two model_ref names to real provider
// backends when their API keys are present in the environment, falling
// back to a deterministic mock so the binary still boots in an offline
// evaluation run.
func modelResolver() agentrunner.StaticModelResolver {
	resolver := agentrunner.StaticModelResolver{}

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		resolver["reasoning"] = anthropic.NewModel(func(o *anthropic.Options) { o.APIKey = key })
	}
	if os.Getenv("OPENAI_API_KEY") != "" {
		resolver["fast"] = openai.NewModel()
	}

	if len(resolver) == 0 {
		offline := model.NewMockModel("offline", "mock")
		resolver["reasoning"] = offline
		resolver["fast"] = offline
	}
	return resolver
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
