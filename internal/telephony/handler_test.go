package telephony

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/call-voice-lab/internal/config"
	"github.com/call-voice-lab/internal/conversation"
)

type stubRetriever struct{}

func (stubRetriever) Retrieve(ctx context.Context, query string) ([]string, error) {
	return []string{"Opening hours are 9 to 5."}, nil
}

type stubReasoner struct{}

func (stubReasoner) Stream(ctx context.Context, prompt string, passages []string, onToken func(string)) (string, error) {
	onToken("We open at nine.")
	return "We open at nine.", nil
}

type stubTTS struct{}

func (stubTTS) Synthesize(ctx context.Context, text, correlationID string) ([]byte, error) {
	return []byte("RIFF" + text), nil
}

func testConfig() *config.Config {
	c := config.Config{
		MaxSessions:          4,
		QueueCapacity:        16,
		SilenceTimeout:       30 * time.Second,
		MaxConsecutiveErrors: 4,
		RetrievalTimeout:     time.Second,
		ModelTimeout:         time.Second,
		CancelGrace:          50 * time.Millisecond,
		WordsPerSecond:       2.5,
		MinPlayback:          10 * time.Second,
	}
	return c.WithPolicy(config.DefaultPolicy())
}

func afternoon() time.Time {
	loc, err := time.LoadLocation("America/Toronto")
	if err != nil {
		panic(err)
	}
	return time.Date(2025, time.March, 12, 14, 0, 0, 0, loc)
}

type bridge struct {
	srv     *httptest.Server
	manager *conversation.Manager
	disp    *conversation.Dispatcher
}

func newBridge(t *testing.T, maxConc int) *bridge {
	t.Helper()
	now := afternoon()
	m := conversation.NewManager(testConfig(), conversation.WithClock(func() time.Time { return now }))
	d := conversation.NewDispatcher(m, conversation.DispatcherDeps{Retriever: stubRetriever{}, Reasoner: stubReasoner{}})
	h := NewHandler(HandlerConfig{Manager: m, Dispatcher: d, TTS: stubTTS{}, MaxConcurrent: maxConc})
	b := &bridge{srv: httptest.NewServer(h), manager: m, disp: d}
	t.Cleanup(func() {
		b.srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Close(ctx)
		d.Close()
	})
	return b
}

func (b *bridge) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(b.srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, m inbound) {
	t.Helper()
	b, _ := json.Marshal(m)
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("send %s: %v", m.Type, err)
	}
}

// expect reads messages until one of type typ arrives.
func expect(t *testing.T, conn *websocket.Conn, typ string) outbound {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		var m outbound
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		if m.Type == typ {
			return m
		}
	}
}

func TestBridgeAnswersUtterance(t *testing.T) {
	b := newBridge(t, 2)
	conn := b.dial(t)

	send(t, conn, inbound{Type: msgStart, CallID: "call-1", Jurisdiction: "America/Toronto"})
	acc := expect(t, conn, msgAccepted)
	if acc.Session == "" {
		t.Fatalf("accepted without session id")
	}
	send(t, conn, inbound{Type: msgDTMF, Digits: "1"})
	send(t, conn, inbound{Type: msgUtterance, Transcript: "What are your opening hours?"})

	sp := expect(t, conn, msgSpeak)
	if sp.Text != "We open at nine." {
		t.Fatalf("speak text %q", sp.Text)
	}
	if string(sp.Audio) != "RIFFWe open at nine." {
		t.Fatalf("speak audio %q", sp.Audio)
	}
	if sp.Handle == "" {
		t.Fatalf("speak without playback handle")
	}

	send(t, conn, inbound{Type: msgStop})
	hu := expect(t, conn, msgHangup)
	if hu.Reason != string(conversation.EndCallerHangup) {
		t.Fatalf("hangup reason %q", hu.Reason)
	}
	deadline := time.Now().Add(2 * time.Second)
	for b.manager.Active() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session still active after stop")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBridgeBargeInClearsPlayback(t *testing.T) {
	b := newBridge(t, 2)
	conn := b.dial(t)

	send(t, conn, inbound{Type: msgStart, CallID: "call-2", Jurisdiction: "America/Toronto"})
	expect(t, conn, msgAccepted)
	send(t, conn, inbound{Type: msgUtterance, Transcript: "hello"})
	sp := expect(t, conn, msgSpeak)

	send(t, conn, inbound{Type: msgSpeechStart})
	clr := expect(t, conn, msgClear)
	if clr.Handle != sp.Handle {
		t.Fatalf("cleared %q, want %q", clr.Handle, sp.Handle)
	}
}

func TestBridgeRejectsBadStart(t *testing.T) {
	b := newBridge(t, 2)
	conn := b.dial(t)

	send(t, conn, inbound{Type: msgUtterance, Transcript: "hi"})
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("connection stayed open without start")
	}
	if b.manager.Active() != 0 {
		t.Fatalf("session created without start")
	}
}

func TestBridgeAdmissionControl(t *testing.T) {
	b := newBridge(t, 1)
	first := b.dial(t)
	send(t, first, inbound{Type: msgStart, CallID: "call-3", Jurisdiction: "America/Toronto"})
	expect(t, first, msgAccepted)

	url := "ws" + strings.TrimPrefix(b.srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("second call admitted at capacity")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("resp=%v err=%v", resp, err)
	}
}
