package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/call-voice-lab/internal/compliance"
	"github.com/call-voice-lab/internal/conversation"
	"github.com/call-voice-lab/internal/logging"
	"github.com/call-voice-lab/internal/metrics"
)

const (
	startTimeout = 10 * time.Second
	writeTimeout = 5 * time.Second
	drainTimeout = 3 * time.Second
	// 30s of 48kHz mono audio per utterance.
	maxUtteranceSamples = 48000 * 30
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandlerConfig holds the collaborators shared by every call.
type HandlerConfig struct {
	Manager       *conversation.Manager
	Dispatcher    *conversation.Dispatcher
	TTS           Synthesizer
	STT           Transcriber
	MaxConcurrent int
	Now           func() time.Time
}

// Handler bridges media-gateway websocket connections to conversation
// sessions, one session per connection, with admission control.
type Handler struct {
	cfg HandlerConfig
	sem chan struct{}
}

func NewHandler(cfg HandlerConfig) *Handler {
	maxConc := cfg.MaxConcurrent
	if maxConc <= 0 {
		maxConc = 100
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Handler{cfg: cfg, sem: make(chan struct{}, maxConc)}
}

// ServeHTTP upgrades the connection and runs the call. Returns 503 when at
// capacity.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	default:
		metrics.SessionsRejected.Inc()
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Errorw("telephony: websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	h.runCall(conn)
}

func (h *Handler) runCall(conn *websocket.Conn) {
	start, err := readStart(conn)
	if err != nil {
		logging.Warnw("telephony: no start message", "err", err)
		return
	}

	sess, err := h.cfg.Manager.CreateSession(start.CallID, start.Jurisdiction)
	if err != nil {
		logging.Warnw("telephony: session refused", append(logging.CallFields(start.CallID, start.Jurisdiction), "err", err)...)
		reason := "error"
		if errors.Is(err, conversation.ErrTooManySessions) {
			reason = "busy"
		}
		_ = writeJSON(conn, outbound{Type: msgHangup, Reason: reason})
		return
	}

	c := newCall(conn, sess, h.cfg.TTS)
	if h.cfg.Dispatcher != nil {
		detach, err := h.cfg.Dispatcher.Attach(h.cfg.Manager, sess)
		if err != nil {
			logging.Errorw("telephony: dispatcher attach failed", "session.id", sess.ID, "err", err)
			return
		}
		defer detach()
	}
	unsubscribe, err := h.cfg.Manager.SubscribeIntents(sess.ID, c.onIntent)
	if err != nil {
		logging.Errorw("telephony: subscribe failed", "session.id", sess.ID, "err", err)
		return
	}
	defer unsubscribe()

	go c.speaker()
	defer c.cancel()
	utterances := make(chan conversation.AudioSegmentReady, 8)
	go h.transcribe(c, utterances)

	if err := c.write(outbound{Type: msgAccepted, Session: sess.ID}); err != nil {
		logging.Warnw("telephony: write accepted failed", "session.id", sess.ID, "err", err)
	}
	h.push(sess.ID, conversation.CallAccepted{})

	h.readLoop(conn, c, utterances)
	close(utterances)

	// The session ends on CallEnded whether the gateway hung up or the agent
	// did; in the latter case the machine is already waiting for it.
	h.push(sess.ID, conversation.CallEnded{Reason: conversation.EndCallerHangup})
	select {
	case <-c.done:
	case <-time.After(drainTimeout):
		logging.Warnw("telephony: speaker did not drain", "session.id", sess.ID)
	}
}

func readStart(conn *websocket.Conn) (inbound, error) {
	_ = conn.SetReadDeadline(time.Now().Add(startTimeout))
	defer conn.SetReadDeadline(time.Time{})
	_, data, err := conn.ReadMessage()
	if err != nil {
		return inbound{}, err
	}
	m, err := decodeInbound(data)
	if err != nil {
		return inbound{}, err
	}
	if m.Type != msgStart {
		return inbound{}, errors.New("first message must be start, got " + m.Type)
	}
	return m, nil
}

func (h *Handler) readLoop(conn *websocket.Conn, c *call, utterances chan<- conversation.AudioSegmentReady) {
	dec, err := newFrameDecoder()
	if err != nil {
		logging.Warnw("telephony: opus decoder unavailable", "session.id", c.sess.ID, "err", err)
	}
	var pcm []int16
	warned := false

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			logging.Debugw("telephony: connection closed", "session.id", c.sess.ID, "err", err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		m, err := decodeInbound(data)
		if err != nil {
			logging.Warnw("telephony: bad message", "session.id", c.sess.ID, "err", err)
			continue
		}

		switch m.Type {
		case msgMedia:
			if dec == nil {
				if !warned {
					logging.Debugw("telephony: media ignored without opus support", "session.id", c.sess.ID)
					warned = true
				}
				continue
			}
			samples, err := dec.Decode(m.Payload)
			if err != nil {
				metrics.Errors.WithLabelValues("telephony", "opus_decode").Inc()
				logging.Debugw("telephony: opus decode error", "session.id", c.sess.ID, "err", err)
				continue
			}
			if len(pcm)+len(samples) <= maxUtteranceSamples {
				pcm = append(pcm, samples...)
			}
		case msgSpeechStart:
			h.push(c.sess.ID, conversation.BargeInDetected{At: h.cfg.Now()})
		case msgUtterance:
			ev := conversation.AudioSegmentReady{Transcript: m.Transcript, At: h.cfg.Now()}
			if len(pcm) > 0 {
				ev.Audio = pcmBytes(pcm)
				pcm = pcm[:0]
			}
			select {
			case utterances <- ev:
			default:
				metrics.QueueDropped.WithLabelValues("audio_segment_ready").Inc()
				logging.Warnw("telephony: utterance backlog full, dropping", "session.id", c.sess.ID)
			}
		case msgDTMF:
			h.push(c.sess.ID, conversation.ConsentChanged{Consent: compliance.ParseConsentDigits(m.Digits)})
		case msgStop:
			return
		default:
			logging.Debugw("telephony: unknown message type", "session.id", c.sess.ID, "type", m.Type)
		}
	}
}

// transcribe forwards utterances in arrival order, filling in the
// transcript from STT when the gateway sent audio only.
func (h *Handler) transcribe(c *call, utterances <-chan conversation.AudioSegmentReady) {
	for ev := range utterances {
		if ev.Transcript == "" && len(ev.Audio) > 0 && h.cfg.STT != nil {
			text, err := h.cfg.STT.Transcribe(c.ctx, ev.Audio, c.sess.ID)
			if c.ctx.Err() != nil {
				return
			}
			if err != nil {
				logging.Warnw("telephony: transcription failed", "session.id", c.sess.ID, "err", err)
			}
			ev.Transcript = text
		}
		h.push(c.sess.ID, ev)
	}
}

func (h *Handler) push(sessionID string, ev conversation.Event) {
	if err := h.cfg.Manager.PushEvent(sessionID, ev); err != nil && !errors.Is(err, conversation.ErrSessionNotFound) {
		logging.Warnw("telephony: push failed", "session.id", sessionID, "event", conversation.EventName(ev), "err", err)
	}
}

// call is the outbound half of one connection. Intents arrive on the
// session's step loop and are queued for the speaker goroutine, which owns
// synthesis and writes in order.
type call struct {
	conn *websocket.Conn
	sess *conversation.SessionHandle
	tts  Synthesizer

	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan outbound
	done   chan struct{}

	writeMu sync.Mutex

	mu           sync.Mutex
	active       conversation.HandleID
	activeCancel context.CancelFunc
	cancelled    map[conversation.HandleID]bool
}

func newCall(conn *websocket.Conn, sess *conversation.SessionHandle, tts Synthesizer) *call {
	ctx, cancel := context.WithCancel(context.Background())
	return &call{
		conn:      conn,
		sess:      sess,
		tts:       tts,
		ctx:       ctx,
		cancel:    cancel,
		jobs:      make(chan outbound, 32),
		done:      make(chan struct{}),
		cancelled: make(map[conversation.HandleID]bool),
	}
}

func (c *call) onIntent(in conversation.Intent) {
	switch it := in.(type) {
	case conversation.SpeakUtterance:
		c.enqueue(outbound{Type: msgSpeak, Handle: string(it.Handle), Text: it.Text})
	case conversation.CancelHandle:
		if it.Kind != conversation.KindPlayback {
			return
		}
		c.mu.Lock()
		if c.active == it.Handle && c.activeCancel != nil {
			c.activeCancel()
		} else {
			c.cancelled[it.Handle] = true
		}
		c.mu.Unlock()
		c.enqueue(outbound{Type: msgClear, Handle: string(it.Handle)})
	case conversation.EndCall:
		// Never dropped: the gateway must hear the hangup.
		select {
		case c.jobs <- outbound{Type: msgHangup, Reason: string(it.Reason)}:
		case <-c.ctx.Done():
		}
	}
}

func (c *call) enqueue(m outbound) {
	select {
	case c.jobs <- m:
	default:
		metrics.Errors.WithLabelValues("telephony", "outbound_full").Inc()
		logging.Warnw("telephony: outbound queue full, dropping message", "session.id", c.sess.ID, "type", m.Type, "handle", m.Handle)
	}
}

func (c *call) speaker() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			return
		case m := <-c.jobs:
			switch m.Type {
			case msgSpeak:
				c.speak(m)
			case msgHangup:
				if err := c.write(m); err != nil {
					logging.Debugw("telephony: write hangup failed", "session.id", c.sess.ID, "err", err)
				}
				c.writeMu.Lock()
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, m.Reason), time.Now().Add(writeTimeout))
				c.writeMu.Unlock()
				_ = c.conn.Close()
				return
			default:
				if err := c.write(m); err != nil {
					logging.Debugw("telephony: write failed", "session.id", c.sess.ID, "type", m.Type, "err", err)
				}
			}
		}
	}
}

// speak synthesises and sends one utterance unless its playback was
// cancelled first.
func (c *call) speak(m outbound) {
	handle := conversation.HandleID(m.Handle)
	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()

	c.mu.Lock()
	if c.cancelled[handle] {
		delete(c.cancelled, handle)
		c.mu.Unlock()
		return
	}
	c.active, c.activeCancel = handle, cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.active, c.activeCancel = "", nil
		c.mu.Unlock()
	}()

	if c.tts != nil {
		audio, err := c.tts.Synthesize(ctx, m.Text, c.sess.ID)
		switch {
		case ctx.Err() != nil:
			logging.Debugw("telephony: playback cancelled during synthesis", "session.id", c.sess.ID, "handle", m.Handle)
			return
		case err != nil:
			logging.Warnw("telephony: synthesis failed, sending text only", "session.id", c.sess.ID, "err", err)
		default:
			m.Audio = audio
		}
	}
	if err := c.write(m); err != nil {
		logging.Debugw("telephony: write speak failed", "session.id", c.sess.ID, "err", err)
	}
}

func (c *call) write(m outbound) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeJSON(c.conn, m)
}

func writeJSON(conn *websocket.Conn, m outbound) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}
