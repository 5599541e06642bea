package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/call-voice-lab/internal/alert"
	"github.com/call-voice-lab/internal/config"
	"github.com/call-voice-lab/internal/conversation"
	"github.com/call-voice-lab/internal/knowledge"
	"github.com/call-voice-lab/internal/logging"
	"github.com/call-voice-lab/internal/telephony"
	"github.com/call-voice-lab/internal/transcript"
	"github.com/call-voice-lab/llm"
)

func main() {
	logging.Init()
	defer func() { _ = logging.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logging.FatalExitf("config load failed", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	reasoner, err := llm.New(ctx, cfg)
	if err != nil {
		logging.FatalExitf("llm backend init failed", "backend", cfg.LLMBackend, "err", err)
	}
	deps := conversation.DispatcherDeps{Reasoner: reasoner}

	if kc := connectKnowledge(ctx, cfg); kc != nil {
		defer kc.Close()
		deps.Retriever = kc
	}

	switch {
	case cfg.DatabaseURL != "":
		pg, err := transcript.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			logging.FatalExitf("transcript database unavailable", "err", err)
		}
		defer pg.Close()
		deps.Sink = pg
		logging.Infow("transcripts stored in postgres")
	case cfg.TranscriptDir != "":
		fs, err := transcript.NewFileStore(cfg.TranscriptDir)
		if err != nil {
			logging.FatalExitf("transcript dir unavailable", "dir", cfg.TranscriptDir, "err", err)
		}
		deps.Sink = fs
		logging.Infow("transcripts stored on disk", "dir", cfg.TranscriptDir, "retention", cfg.TranscriptRetention.String())
		if cfg.TranscriptRetention > 0 {
			wg.Add(1)
			transcript.StartRetentionCleaner(ctx, &wg, cfg.TranscriptDir, cfg.TranscriptRetention, time.Hour)
		}
	default:
		logging.Warnw("no transcript store configured; consented turns are not persisted")
	}

	if a, err := alert.NewDiscord(cfg.DiscordToken, cfg.AlertChannelID); err != nil {
		logging.Warnw("discord alerts disabled", "err", err)
	} else if a != nil {
		deps.Alerter = a
	}

	manager := conversation.NewManager(cfg)
	dispatcher := conversation.NewDispatcher(manager, deps)

	var tts telephony.Synthesizer
	if c := telephony.NewTTSClient(cfg.TTSURL, cfg.TTSAuthToken); c != nil {
		tts = c
	}
	var stt telephony.Transcriber
	if c := telephony.NewWhisperClient(cfg.STTURL, cfg.STTLanguage); c != nil {
		stt = c
	}
	bridge := telephony.NewHandler(telephony.HandlerConfig{
		Manager:       manager,
		Dispatcher:    dispatcher,
		TTS:           tts,
		STT:           stt,
		MaxConcurrent: cfg.MaxSessions,
	})

	mux := http.NewServeMux()
	mux.Handle("/call", bridge)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logging.Infow("orchestrator listening", "addr", cfg.ListenAddr, "max_sessions", cfg.MaxSessions)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.FatalExitf("listen", "err", err)
		}
	}()

	<-ctx.Done()
	logging.Infow("shutdown signal received, closing resources")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Sessions first so each call gets its EndCall before connections drop.
	if err := manager.Close(shutdownCtx); err != nil {
		logging.Warnw("session manager close", "err", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warnw("http server shutdown", "err", err)
	}
	dispatcher.Close()
	wg.Wait()
	logging.Infow("shutdown complete")
}

// connectKnowledge dials the knowledge MCP server by URL, or spawns it as a
// child process. Retrieval is optional: failures are logged and the
// orchestrator answers without passages.
func connectKnowledge(ctx context.Context, cfg *config.Config) *knowledge.Client {
	if cfg.KnowledgeURL == "" && strings.TrimSpace(cfg.KnowledgeCommand) == "" {
		logging.Warnw("no knowledge server configured; retrieval disabled")
		return nil
	}
	kc := knowledge.NewClient("call-orchestrator", "v0.1.0", cfg.KnowledgeTopK)
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var err error
	if cfg.KnowledgeURL != "" {
		err = kc.ConnectWebSocket(dialCtx, cfg.KnowledgeURL)
	} else {
		parts := strings.Fields(cfg.KnowledgeCommand)
		err = kc.ConnectCommand(dialCtx, "knowledge", parts[0], parts[1:], map[string]string{"KNOWLEDGE_TRANSPORT": "stdio"})
	}
	if err != nil {
		logging.Warnw("knowledge server unavailable; retrieval disabled", "err", err)
		return nil
	}
	return kc
}
