package config

import (
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // quiet-hours zones must resolve in minimal containers
)

// Config is the process-wide configuration. It is loaded once in main and
// shared read-only by every session; nothing mutates it after Load returns.
type Config struct {
	ListenAddr  string
	MaxSessions int

	QueueCapacity        int
	SilenceTimeout       time.Duration
	SilenceNudges        int
	MaxConsecutiveErrors int
	RetrievalTimeout     time.Duration
	ModelTimeout         time.Duration
	CancelGrace          time.Duration
	WordsPerSecond       float64
	MinPlayback          time.Duration

	KnowledgeURL     string
	KnowledgeCommand string
	KnowledgeTopK    int

	LLMBackend   string
	LLMBaseURL   string
	LLMAPIKey    string
	LLMModel     string
	LLMFallback  string
	LLMMaxTokens int
	GeminiAPIKey string
	SystemPrompt string

	TTSURL       string
	TTSAuthToken string
	STTURL       string
	STTLanguage  string

	TranscriptDir       string
	// TranscriptRetention bounds how long transcript files are kept. Zero
	// keeps them forever.
	TranscriptRetention time.Duration
	DatabaseURL         string

	DiscordToken   string
	AlertChannelID string

	policy Policy
}

// Policy returns the compliance policy loaded alongside the config.
func (c *Config) Policy() *Policy { return &c.policy }

// Load reads process settings from the environment and the compliance
// policy from POLICY_CONFIG_PATH, falling back to the built-in policy.
//
// SILENCE_TIMEOUT and MAX_CONSECUTIVE_ERRORS default to development values;
// deployments are expected to set both explicitly.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:  envStr("LISTEN_ADDR", ":8080"),
		MaxSessions: envInt("MAX_CONCURRENT_CALLS", 100),

		QueueCapacity:        envInt("SESSION_QUEUE_CAPACITY", 64),
		SilenceTimeout:       envDuration("SILENCE_TIMEOUT", 6*time.Second),
		SilenceNudges:        envInt("SILENCE_NUDGES", 0),
		MaxConsecutiveErrors: envInt("MAX_CONSECUTIVE_ERRORS", 4),
		RetrievalTimeout:     envDuration("RETRIEVAL_TIMEOUT", 3*time.Second),
		ModelTimeout:         envDuration("MODEL_TIMEOUT", 10*time.Second),
		CancelGrace:          envDuration("CANCEL_GRACE", 750*time.Millisecond),
		WordsPerSecond:       envFloat("TTS_WORDS_PER_SECOND", 2.5),
		MinPlayback:          envDuration("MIN_PLAYBACK", 500*time.Millisecond),

		KnowledgeURL:     envStr("KNOWLEDGE_MCP_URL", ""),
		KnowledgeCommand: envStr("KNOWLEDGE_MCP_COMMAND", ""),
		KnowledgeTopK:    envInt("KNOWLEDGE_TOP_K", 3),

		LLMBackend:   strings.ToLower(envStr("LLM_BACKEND", "http")),
		LLMBaseURL:   strings.TrimRight(envStr("OPENAI_BASE_URL", "http://127.0.0.1:8000/v1"), "/"),
		LLMAPIKey:    envStr("OPENAI_API_KEY", ""),
		LLMModel:     envStr("OPENAI_MODEL", "local"),
		LLMFallback:  envStr("OPENAI_FALLBACK_MODEL", ""),
		LLMMaxTokens: envInt("LLM_MAX_TOKENS", 256),
		GeminiAPIKey: envStr("GEMINI_API_KEY", ""),
		SystemPrompt: envStr("LLM_SYSTEM_PROMPT", defaultSystemPrompt),

		TTSURL:       envStr("TTS_URL", ""),
		TTSAuthToken: envStr("TTS_AUTH_TOKEN", ""),
		STTURL:       envStr("WHISPER_URL", ""),
		STTLanguage:  envStr("STT_LANGUAGE", ""),

		TranscriptDir:       envStr("TRANSCRIPT_DIR", ""),
		TranscriptRetention: envDuration("TRANSCRIPT_RETENTION", 0),
		DatabaseURL:         envStr("DATABASE_URL", ""),

		DiscordToken:   envStr("DISCORD_BOT_TOKEN", ""),
		AlertChannelID: envStr("ALERT_CHANNEL_ID", ""),
	}

	policy, err := LoadPolicy(os.Getenv("POLICY_CONFIG_PATH"))
	if err != nil {
		return nil, err
	}
	cfg.policy = policy
	return cfg, nil
}

// WithPolicy returns a copy of c that carries p. Used by tests and by
// callers that build a Config without Load.
func (c Config) WithPolicy(p Policy) *Config {
	c.policy = p
	return &c
}

const defaultSystemPrompt = "You are a concise, friendly phone receptionist. " +
	"Answer in one or two short spoken sentences using only the supplied context. " +
	"If you do not know, offer to take a message."

func envStr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

// envDuration accepts Go durations ("6s") or bare milliseconds ("6000").
func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
