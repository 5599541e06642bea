package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/call-voice-lab/internal/conversation"
	"github.com/call-voice-lab/internal/logging"
)

// callFile is the on-disk shape of one call's transcript.
type callFile struct {
	CallID    string                        `json:"call_id"`
	UpdatedAt time.Time                     `json:"updated_at"`
	Turns     []conversation.TranscriptTurn `json:"turns"`
}

// FileStore keeps one JSON document per call in Dir. Updates take an
// advisory lock on <file>.lock and replace the document atomically.
type FileStore struct {
	Dir string

	mu sync.Mutex
}

func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("transcript dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{Dir: dir}, nil
}

func (s *FileStore) path(callID string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, callID)
	return filepath.Join(s.Dir, "call_"+safe+".json")
}

// SaveTurn merges turn into the call's document, replacing any earlier
// write of the same sequence number.
func (s *FileStore) SaveTurn(ctx context.Context, callID string, turn conversation.TranscriptTurn) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(callID)
	unlock, err := lockFile(path + ".lock")
	if err != nil {
		logging.Warnw("transcript: failed to lock", "path", path, "err", err, "call.id", callID)
		return err
	}
	defer unlock()

	doc := callFile{CallID: callID}
	if b, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(b, &doc); err != nil {
			return fmt.Errorf("invalid transcript JSON %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read transcript %s: %w", path, err)
	}

	replaced := false
	for i := range doc.Turns {
		if doc.Turns[i].Seq == turn.Seq {
			doc.Turns[i] = turn
			replaced = true
			break
		}
	}
	if !replaced {
		doc.Turns = append(doc.Turns, turn)
		sort.Slice(doc.Turns, func(i, j int) bool { return doc.Turns[i].Seq < doc.Turns[j].Seq })
	}
	doc.UpdatedAt = time.Now().UTC()

	nb, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal transcript %s: %w", path, err)
	}
	if err := saveFileAtomic(path, nb, 0o644); err != nil {
		logging.Warnw("transcript: failed to save", "path", path, "err", err, "call.id", callID)
		return err
	}
	logging.Debugw("transcript: saved turn", "path", path, "call.id", callID, "turn", turn.Seq)
	return nil
}

// Turns returns the stored turns of callID, or nil when none were saved.
func (s *FileStore) Turns(callID string) ([]conversation.TranscriptTurn, error) {
	b, err := os.ReadFile(s.path(callID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var doc callFile
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return doc.Turns, nil
}

func lockFile(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("lock file %s: %w", path, err)
	}
	return func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
	}, nil
}

// saveFileAtomic writes data to a tmp file in the same directory, fsyncs it
// and renames it into place.
func saveFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
