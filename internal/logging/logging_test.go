package logging

import (
	"context"
	"sync"
	"testing"
)

type entry struct {
	level string
	msg   string
	kv    []interface{}
}

type captureLogger struct {
	mu      sync.Mutex
	entries []entry
}

func (c *captureLogger) add(level, msg string, kv []interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry{level, msg, kv})
}

func (c *captureLogger) Infow(msg string, kv ...interface{})  { c.add("info", msg, kv) }
func (c *captureLogger) Debugw(msg string, kv ...interface{}) { c.add("debug", msg, kv) }
func (c *captureLogger) Warnw(msg string, kv ...interface{})  { c.add("warn", msg, kv) }
func (c *captureLogger) Errorw(msg string, kv ...interface{}) { c.add("error", msg, kv) }
func (c *captureLogger) Sync() error                          { return nil }

func TestSetLoggerCapturesPackageCalls(t *testing.T) {
	c := &captureLogger{}
	SetLogger(c)
	defer SetLogger(nil)

	Infow("session created", CallFields("call-1", "CA-ON")...)
	Warnw("queue full")
	if len(c.entries) != 2 {
		t.Fatalf("entries=%d", len(c.entries))
	}
	got := c.entries[0]
	if got.level != "info" || got.msg != "session created" || len(got.kv) != 4 || got.kv[3] != "CA-ON" {
		t.Fatalf("entry %+v", got)
	}
	if c.entries[1].level != "warn" {
		t.Fatalf("level %s", c.entries[1].level)
	}
}

func TestContextFieldsMerge(t *testing.T) {
	c := &captureLogger{}
	SetLogger(c)
	defer SetLogger(nil)

	ctx := WithFields(context.Background(), "session.id", "s1")
	ctx = WithFields(ctx, "call.id", "c1")
	InfowCtx(ctx, "step", "event", "call_accepted")

	kv := c.entries[0].kv
	want := []interface{}{"session.id", "s1", "call.id", "c1", "event", "call_accepted"}
	if len(kv) != len(want) {
		t.Fatalf("kv=%v", kv)
	}
	for i := range want {
		if kv[i] != want[i] {
			t.Fatalf("kv=%v, want %v", kv, want)
		}
	}
	if FromContext(context.Background()) != nil {
		t.Fatalf("fields on a bare context")
	}
}

func TestFieldHelpers(t *testing.T) {
	if kv := CallFields("c", ""); len(kv) != 2 {
		t.Fatalf("empty jurisdiction should be omitted: %v", kv)
	}
	if kv := HandleFields("retrieval", "h1"); kv[1] != "retrieval" || kv[3] != "h1" {
		t.Fatalf("handle fields %v", kv)
	}
	if kv := SessionFields("s", "Listening"); kv[3] != "Listening" {
		t.Fatalf("session fields %v", kv)
	}
}

func TestLevelFromEnv(t *testing.T) {
	for in, want := range map[string]string{"debug": "debug", " WARN ": "warn", "error": "error", "": "info", "bogus": "info"} {
		if got := levelFromEnv(in).String(); got != want {
			t.Fatalf("levelFromEnv(%q)=%s want %s", in, got, want)
		}
	}
}
