package transcript

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/call-voice-lab/internal/logging"
)

// StartRetentionCleaner periodically removes call transcripts in dir whose
// last update is older than retention. Caller must call wg.Add(1) first; the
// goroutine calls wg.Done on exit.
func StartRetentionCleaner(ctx context.Context, wg *sync.WaitGroup, dir string, retention, interval time.Duration) {
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := sweep(dir, time.Now().Add(-retention)); n > 0 {
					logging.Infow("transcript: retention sweep", "dir", dir, "removed", n)
				}
			}
		}
	}()
}

// sweep removes expired transcripts and their lock files and returns how
// many transcripts it removed.
func sweep(dir string, cutoff time.Time) int {
	files, err := os.ReadDir(dir)
	if err != nil {
		logging.Debugw("transcript: cleanup readDir failed", "dir", dir, "err", err)
		return 0
	}
	removed := 0
	for _, fi := range files {
		name := fi.Name()
		if !strings.HasPrefix(name, "call_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := fi.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(dir, name)
		if err := os.Remove(path); err != nil {
			logging.Warnw("transcript: failed to remove expired transcript", "path", path, "err", err)
			continue
		}
		_ = os.Remove(path + ".lock")
		removed++
	}
	return removed
}
