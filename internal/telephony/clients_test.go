package telephony

import (
	"context"
	"encoding/binary"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestWhisperClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	bodies := make(chan []byte, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies <- b
		if r.URL.Query().Get("language") != "en" || r.Header.Get("Content-Type") != "audio/wav" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"text": "  opening hours please "}`))
	}))
	defer srv.Close()

	c := NewWhisperClient(srv.URL, "en")
	pcm := pcmBytes([]int16{1, -1, 2, -2})
	text, err := c.Transcribe(context.Background(), pcm, "cid")
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "opening hours please" {
		t.Fatalf("text %q", text)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls=%d", calls.Load())
	}

	wav := <-bodies
	if string(wav[:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Fatalf("missing wav header")
	}
	if rate := binary.LittleEndian.Uint32(wav[24:28]); rate != 48000 {
		t.Fatalf("sample rate %d", rate)
	}
	if n := binary.LittleEndian.Uint32(wav[40:44]); int(n) != len(pcm) {
		t.Fatalf("data length %d, want %d", n, len(pcm))
	}
}

func TestWhisperClientClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusUnsupportedMediaType)
	}))
	defer srv.Close()

	if _, err := NewWhisperClient(srv.URL, "").Transcribe(context.Background(), nil, ""); err == nil {
		t.Fatalf("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls=%d", calls.Load())
	}
}

func TestTTSClientSynthesize(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if calls.Add(1) == 1 {
			http.Error(w, "warming up", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("RIFF....WAVE"))
	}))
	defer srv.Close()

	c := NewTTSClient(srv.URL, "secret")
	audio, err := c.Synthesize(context.Background(), "hello", "cid")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if string(audio) != "RIFF....WAVE" {
		t.Fatalf("audio %q", audio)
	}

	c.AuthToken = "wrong"
	if _, err := c.Synthesize(context.Background(), "hello", "cid"); err == nil {
		t.Fatalf("401 accepted")
	}
	if NewTTSClient("", "") != nil {
		t.Fatalf("empty url should disable tts")
	}
}

func TestTTSClientHonoursCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := NewTTSClient(srv.URL, "").Synthesize(ctx, "hello", ""); err == nil {
		t.Fatalf("expected error after cancel")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("cancel not honoured")
	}
}
