package transcript

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/call-voice-lab/internal/conversation"
)

func TestFileStoreAppendsInOrder(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	at := time.Date(2025, 3, 12, 14, 0, 0, 0, time.UTC)
	for _, seq := range []int{2, 1} {
		turn := conversation.TranscriptTurn{Seq: seq, Caller: "q", Agent: "a", At: at}
		if err := s.SaveTurn(ctx, "call-1", turn); err != nil {
			t.Fatalf("save %d: %v", seq, err)
		}
	}
	turns, err := s.Turns("call-1")
	if err != nil {
		t.Fatalf("turns: %v", err)
	}
	if len(turns) != 2 || turns[0].Seq != 1 || turns[1].Seq != 2 {
		t.Fatalf("turns=%+v", turns)
	}
	if !turns[0].At.Equal(at) {
		t.Fatalf("time not preserved: %v", turns[0].At)
	}
}

func TestFileStoreReplacesSameSeq(t *testing.T) {
	s, _ := NewFileStore(t.TempDir())
	ctx := context.Background()
	_ = s.SaveTurn(ctx, "c", conversation.TranscriptTurn{Seq: 1, Caller: "hi"})
	_ = s.SaveTurn(ctx, "c", conversation.TranscriptTurn{Seq: 1, Caller: "hi", Agent: "hello", Interrupted: true})

	turns, _ := s.Turns("c")
	if len(turns) != 1 || turns[0].Agent != "hello" || !turns[0].Interrupted {
		t.Fatalf("turns=%+v", turns)
	}
}

func TestFileStoreSanitisesCallID(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewFileStore(dir)
	if err := s.SaveTurn(context.Background(), "../../etc/passwd", conversation.TranscriptTurn{Seq: 1}); err != nil {
		t.Fatalf("save: %v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "call_*.json"))
	if len(matches) != 1 {
		t.Fatalf("files=%v", matches)
	}
	if filepath.Dir(matches[0]) != dir {
		t.Fatalf("wrote outside dir: %s", matches[0])
	}
	if _, err := os.Stat(matches[0] + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("tmp file left behind")
	}
}

func TestFileStoreConcurrentWriters(t *testing.T) {
	s, _ := NewFileStore(t.TempDir())
	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(seq int) {
			defer wg.Done()
			if err := s.SaveTurn(context.Background(), "busy", conversation.TranscriptTurn{Seq: seq}); err != nil {
				t.Errorf("save %d: %v", seq, err)
			}
		}(i)
	}
	wg.Wait()
	turns, _ := s.Turns("busy")
	if len(turns) != 20 {
		t.Fatalf("got %d turns, want 20", len(turns))
	}
}

func TestFileStoreMissingCall(t *testing.T) {
	s, _ := NewFileStore(t.TempDir())
	turns, err := s.Turns("nobody")
	if err != nil || turns != nil {
		t.Fatalf("turns=%v err=%v", turns, err)
	}
	if _, err := NewFileStore(" "); err == nil {
		t.Fatalf("empty dir accepted")
	}
}

func TestRetentionSweepRemovesExpired(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewFileStore(dir)
	ctx := context.Background()
	_ = s.SaveTurn(ctx, "old", conversation.TranscriptTurn{Seq: 1})
	_ = s.SaveTurn(ctx, "fresh", conversation.TranscriptTurn{Seq: 1})

	past := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(s.path("old"), past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.json"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = os.Chtimes(filepath.Join(dir, "notes.json"), past, past)

	if n := sweep(dir, time.Now().Add(-24*time.Hour)); n != 1 {
		t.Fatalf("removed %d, want 1", n)
	}
	if turns, _ := s.Turns("old"); turns != nil {
		t.Fatalf("expired transcript survived")
	}
	if turns, _ := s.Turns("fresh"); len(turns) != 1 {
		t.Fatalf("fresh transcript removed")
	}
	if _, err := os.Stat(filepath.Join(dir, "notes.json")); err != nil {
		t.Fatalf("unrelated file removed: %v", err)
	}
}

func TestRetentionCleanerStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	StartRetentionCleaner(ctx, &wg, t.TempDir(), time.Hour, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	cancel()
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("cleaner did not stop")
	}
}
