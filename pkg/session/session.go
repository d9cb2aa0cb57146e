// Package session owns the websocket connection to the voice agent service:
// dialing, inbound frame dispatch, transcript accumulation, keepalive, and
// teardown. All owned resources (socket, playback queue, capture engine) are
// fields of the Session value; there are no package-level globals.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mohit-ai/voicelink/pkg/audio"
	"github.com/mohit-ai/voicelink/pkg/capture"
	"github.com/mohit-ai/voicelink/pkg/playback"
)

// Binary frames below this size may be JSON control messages sent on the
// wrong frame type by the proxy; they are speculatively parsed before being
// treated as audio.
const binaryJSONThreshold = 1000

const greeting = "Hi! I'm the Mohit AI sales assistant. How can I help you today?"

// Session is a single voice conversation. At most one connection is active
// per Session; a Connect while connecting or connected is a no-op.
type Session struct {
	cfg    Config
	log    *zap.Logger
	id     string
	player playback.Player
	queue  *playback.Queue

	muted atomic.Bool

	mu         sync.Mutex
	capture    Capturer
	conn       *websocket.Conn
	state      State
	loopCancel context.CancelFunc
	userClosed bool
	outputEnc  audio.Encoding
	outputRate int
	transcript []ConversationMessage
	lastUser   string
	lastAgent  string
	lastErr    string

	events chan Event

	dumpMu  sync.Mutex
	dumpPCM []byte
}

// New creates a disconnected session that plays agent audio through player.
// A nil logger is replaced with a no-op logger.
func New(cfg Config, player playback.Player, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.URL == "" {
		cfg.URL = DefaultConfig().URL
	}
	if cfg.AgentID == "" {
		cfg.AgentID = DefaultConfig().AgentID
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = audio.DefaultFormat
	}

	s := &Session{
		cfg:    cfg,
		log:    log,
		id:     uuid.NewString(),
		player: player,
		queue:  playback.NewQueue(player, log),
		events: make(chan Event, 256),
	}

	enc, rate, err := audio.ParseFormat(cfg.OutputFormat)
	if err != nil {
		log.Warn("invalid configured output format, using default",
			zap.String("format", cfg.OutputFormat), zap.Error(err))
		enc, rate, _ = audio.ParseFormat(audio.DefaultFormat)
	}
	s.outputEnc, s.outputRate = enc, rate

	return s
}

// AttachCapture wires a microphone capture engine into the session. The
// session starts it when the server announces conversation metadata and
// stops it on disconnect.
func (s *Session) AttachCapture(c Capturer) {
	s.mu.Lock()
	s.capture = c
	s.mu.Unlock()
}

func (s *Session) capturer() Capturer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capture
}

// Connect dials the agent endpoint and starts the read loop. It is a no-op
// when a connection is already open or being opened.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.userClosed = false
	s.mu.Unlock()

	endpoint := fmt.Sprintf("%s/?agent_id=%s",
		strings.TrimRight(s.cfg.URL, "/"), url.QueryEscape(s.cfg.AgentID))

	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		s.mu.Lock()
		s.state = StateDisconnected
		s.lastErr = "could not reach the voice service"
		s.mu.Unlock()
		s.emit(EventError, s.lastErr)
		return fmt.Errorf("%w: %v", ErrDial, err)
	}
	conn.SetReadLimit(10 * 1024 * 1024)

	loopCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.conn = conn
	s.state = StateConnected
	s.loopCancel = cancel
	s.lastErr = ""
	s.mu.Unlock()

	s.log.Info("session connected",
		zap.String("session_id", s.id),
		zap.String("endpoint", endpoint))
	s.emit(EventConnected, nil)

	go s.readLoop(loopCtx, conn)
	return nil
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			s.handleClosed(conn, err)
			return
		}

		switch typ {
		case websocket.MessageText:
			var msg serverMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				s.log.Warn("unparseable text frame", zap.Error(err))
				continue
			}
			s.dispatch(ctx, conn, msg)

		case websocket.MessageBinary:
			if len(data) < binaryJSONThreshold {
				var msg serverMessage
				if json.Unmarshal(data, &msg) == nil && msg.Type != "" {
					s.dispatch(ctx, conn, msg)
					continue
				}
			}
			s.playChunk(ctx, data)
		}
	}
}

func (s *Session) dispatch(ctx context.Context, conn *websocket.Conn, msg serverMessage) {
	switch msg.Type {
	case "connected":
		s.appendTranscript(RoleAssistant, greeting)

	case "conversation_initiation_metadata":
		tag := audio.DefaultFormat
		if msg.InitMetadata != nil && msg.InitMetadata.AgentOutputAudioFormat != "" {
			tag = msg.InitMetadata.AgentOutputAudioFormat
		}
		enc, rate, err := audio.ParseFormat(tag)
		if err != nil {
			s.log.Warn("unparseable agent output format, keeping current",
				zap.String("format", tag), zap.Error(err))
		} else {
			s.mu.Lock()
			s.outputEnc, s.outputRate = enc, rate
			s.mu.Unlock()
			s.log.Info("agent output format negotiated", zap.String("format", tag))
		}
		if c := s.capturer(); c != nil && !c.Recording() {
			go s.startCapture(ctx, c)
		}

	case "audio":
		if msg.Audio == nil || msg.Audio.AudioBase64 == "" {
			return
		}
		raw, err := base64.StdEncoding.DecodeString(msg.Audio.AudioBase64)
		if err != nil {
			s.log.Warn("malformed base64 audio chunk, skipping", zap.Error(err))
			return
		}
		s.playChunk(ctx, raw)

	case "agent_response":
		if msg.AgentResponse != nil {
			s.appendTranscript(RoleAssistant, msg.AgentResponse.AgentResponse)
		}

	case "user_transcript":
		if msg.UserTranscript != nil {
			s.appendTranscript(RoleUser, msg.UserTranscript.Text)
		}

	case "ping":
		if msg.Ping == nil {
			return
		}
		pong := pongMessage{Type: "pong", EventID: msg.Ping.EventID}
		if err := wsjson.Write(ctx, conn, pong); err != nil {
			s.log.Warn("pong reply failed", zap.Int64("event_id", msg.Ping.EventID), zap.Error(err))
		}

	case "error":
		s.setError(msg.Message)

	default:
		s.log.Debug("ignoring unrecognized message", zap.String("type", msg.Type))
	}
}

// playChunk decodes a raw audio payload and schedules it. The byte-signature
// check overrides the declared format: servers have been seen sending MP3
// frames under a pcm_* tag.
func (s *Session) playChunk(ctx context.Context, raw []byte) {
	if s.muted.Load() {
		return
	}

	s.mu.Lock()
	enc, rate := s.outputEnc, s.outputRate
	s.mu.Unlock()

	if audio.IsMP3(raw) {
		if enc != audio.EncodingMP3 {
			s.log.Warn("declared format disagrees with sniffed MP3 signature",
				zap.String("declared", string(enc)))
		}
		enc = audio.EncodingMP3
	}

	clip, err := playback.DecodeChunk(raw, enc, rate)
	if err != nil {
		s.log.Warn("undecodable audio chunk, skipping", zap.Error(err))
		return
	}

	if s.cfg.DumpDir != "" && enc == audio.EncodingPCM {
		s.dumpMu.Lock()
		s.dumpPCM = append(s.dumpPCM, raw...)
		s.dumpMu.Unlock()
	}

	s.queue.Enqueue(clip)
	go s.queue.Drain(ctx)
}

func (s *Session) startCapture(ctx context.Context, c Capturer) {
	err := c.Start(ctx)
	if err == nil || errors.Is(err, capture.ErrAlreadyRecording) {
		return
	}
	s.log.Warn("microphone unavailable", zap.Error(err))
	s.setError("microphone unavailable: " + err.Error())
}

// WriteAudioChunk implements capture.ChunkWriter. Chunks are only sent while
// the connection is open; otherwise ErrNotConnected is returned and the
// caller drops the chunk.
func (s *Session) WriteAudioChunk(b64 string) error {
	s.mu.Lock()
	conn := s.conn
	open := s.state == StateConnected
	s.mu.Unlock()

	if conn == nil || !open {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, conn, audioChunkMessage{UserAudioChunk: b64})
}

// handleClosed is the read loop's exit path. The loop reports the conn it was
// reading so a loop outliving its own Disconnect cannot tear down a newer
// connection installed in the meantime.
func (s *Session) handleClosed(conn *websocket.Conn, err error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	userClosed := s.userClosed
	s.conn = nil
	cancel := s.loopCancel
	s.loopCancel = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if userClosed {
		return
	}

	s.log.Warn("connection lost", zap.String("session_id", s.id), zap.Error(err))
	if c := s.capturer(); c != nil {
		_ = c.Stop()
	}
	s.queue.Clear()
	s.emit(EventDisconnected, nil)

	if s.cfg.Reconnect.Enabled {
		go s.reconnect()
	}
}

func (s *Session) reconnect() {
	policy := s.cfg.Reconnect
	delay := policy.BaseDelay
	if delay <= 0 {
		delay = time.Second
	}

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		time.Sleep(delay)
		delay *= 2

		s.mu.Lock()
		stop := s.userClosed || s.state != StateDisconnected
		s.mu.Unlock()
		if stop {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := s.Connect(ctx)
		cancel()
		if err == nil {
			s.log.Info("reconnected", zap.Int("attempt", attempt))
			return
		}
		s.log.Warn("reconnect attempt failed",
			zap.Int("attempt", attempt), zap.Int("max_attempts", policy.MaxAttempts), zap.Error(err))
	}

	s.setError("could not reconnect to the voice service")
}

// Disconnect stops capture, closes the socket, clears pending playback, and
// resets the scheduling cursor. It is idempotent, and automatic reconnection
// never fires after an explicit Disconnect.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.state == StateDisconnected && s.conn == nil {
		s.mu.Unlock()
		return nil
	}
	s.userClosed = true
	s.mu.Unlock()

	// Stop capture while the socket is still open so the end-of-utterance
	// sentinel can go out.
	if c := s.capturer(); c != nil {
		_ = c.Stop()
	}

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	cancel := s.loopCancel
	s.loopCancel = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}

	s.queue.Clear()
	s.flushDump()
	s.emit(EventDisconnected, nil)
	s.log.Info("session disconnected", zap.String("session_id", s.id))
	return nil
}

// SetMuted toggles playback of agent audio. Muting drops inbound chunks
// before they are enqueued and zeroes the player gain in one step.
func (s *Session) SetMuted(muted bool) {
	s.muted.Store(muted)
	if s.player == nil {
		return
	}
	if muted {
		s.player.SetGain(0)
	} else {
		s.player.SetGain(1)
	}
}

// Muted reports whether agent audio is muted.
func (s *Session) Muted() bool {
	return s.muted.Load()
}

func (s *Session) appendTranscript(role Role, content string) {
	if content == "" {
		return
	}
	msg := ConversationMessage{Role: role, Content: content, Timestamp: time.Now()}

	s.mu.Lock()
	s.transcript = append(s.transcript, msg)
	switch role {
	case RoleUser:
		s.lastUser = content
	case RoleAssistant:
		s.lastAgent = content
	}
	s.mu.Unlock()

	evType := EventAgentResponse
	if role == RoleUser {
		evType = EventUserTranscript
	}
	s.emit(evType, msg)
}

func (s *Session) setError(message string) {
	if message == "" {
		message = "voice service error"
	}
	s.mu.Lock()
	s.lastErr = message
	s.mu.Unlock()
	s.emit(EventError, message)
}

func (s *Session) emit(t EventType, data any) {
	select {
	case s.events <- Event{Type: t, SessionID: s.id, Data: data}:
	default:
		s.log.Debug("event dropped, consumer lagging", zap.String("type", string(t)))
	}
}

// Events returns the session's event channel. Events are dropped rather than
// blocking the read loop when the consumer lags.
func (s *Session) Events() <-chan Event {
	return s.events
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// State returns the connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transcript returns a snapshot copy of the conversation so far.
func (s *Session) Transcript() []ConversationMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ConversationMessage, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// LastUser returns the user's most recent transcript line.
func (s *Session) LastUser() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUser
}

// LastAgent returns the agent's most recent response.
func (s *Session) LastAgent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAgent
}

// LastError returns the most recent user-facing error text, empty when the
// session is healthy.
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Level returns the microphone level when capture is attached, 0 otherwise.
func (s *Session) Level() float64 {
	c := s.capturer()
	if c == nil {
		return 0
	}
	return c.Level()
}
