package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/call-voice-lab/internal/knowledge"
	"github.com/call-voice-lab/internal/logging"
)

func main() {
	logging.Init()
	defer func() { _ = logging.Sync() }()

	path := os.Getenv("KNOWLEDGE_CORPUS_PATH")
	if path == "" {
		logging.FatalExitf("KNOWLEDGE_CORPUS_PATH is required")
	}
	corpus, err := knowledge.LoadCorpus(path)
	if err != nil {
		logging.FatalExitf("load corpus", "path", path, "err", err)
	}

	server := sdk.NewServer(&sdk.Implementation{Name: "knowledge-server", Version: "v0.1.0"}, nil)
	knowledge.RegisterSearchTool(server, corpus)
	logging.Infow("knowledge corpus loaded", "path", path, "documents", corpus.Len())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Spawned by the orchestrator as a child process: speak MCP on stdio.
	if os.Getenv("KNOWLEDGE_TRANSPORT") == "stdio" {
		if err := server.Run(ctx, &sdk.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
			logging.Errorw("stdio server exited", "err", err)
		}
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	upgrader := websocket.Upgrader{}
	mux.HandleFunc("/mcp/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warnw("ws upgrade failed", "err", err)
			return
		}
		go func() {
			session, err := server.Connect(ctx, knowledge.WebSocketTransport(conn), nil)
			if err != nil {
				logging.Errorw("mcp server connect failed", "err", err)
				_ = conn.Close()
				return
			}
			if err := session.Wait(); err != nil {
				logging.Debugw("mcp session ended", "err", err)
			}
		}()
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "9001"
	}
	srv := &http.Server{Addr: ":" + port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logging.Infow("knowledge server listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.FatalExitf("listen", "err", err)
	}
}
