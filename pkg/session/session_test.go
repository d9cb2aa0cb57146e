package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mohit-ai/voicelink/pkg/audio"
	"github.com/mohit-ai/voicelink/pkg/playback"
)

type wsServer struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
	done  chan struct{}
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{conns: make(chan *websocket.Conn, 2), done: make(chan struct{})}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- c
		<-s.done
	}))
	t.Cleanup(func() {
		close(s.done)
		s.srv.Close()
	})
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted a connection")
		return nil
	}
}

type spyPlayer struct {
	mu     sync.Mutex
	clips  []playback.Clip
	gain   float64
	played chan struct{}
}

func newSpyPlayer() *spyPlayer {
	return &spyPlayer{gain: 1, played: make(chan struct{}, 16)}
}

func (p *spyPlayer) Play(ctx context.Context, clip playback.Clip, start time.Time) error {
	p.mu.Lock()
	p.clips = append(p.clips, clip)
	p.mu.Unlock()
	p.played <- struct{}{}
	return nil
}

func (p *spyPlayer) Now() time.Time { return time.Unix(0, 0) }

func (p *spyPlayer) SetGain(gain float64) {
	p.mu.Lock()
	p.gain = gain
	p.mu.Unlock()
}

func (p *spyPlayer) Close() error { return nil }

func (p *spyPlayer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clips)
}

type fakeCapturer struct {
	mu        sync.Mutex
	started   int
	stopped   int
	recording bool
}

func (c *fakeCapturer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started++
	c.recording = true
	return nil
}

func (c *fakeCapturer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recording {
		c.stopped++
		c.recording = false
	}
	return nil
}

func (c *fakeCapturer) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

func (c *fakeCapturer) Level() float64 { return 0.42 }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.URL = url
	return cfg
}

func connectedSession(t *testing.T) (*Session, *websocket.Conn, *spyPlayer) {
	t.Helper()
	srv := newWSServer(t)
	player := newSpyPlayer()
	s := New(testConfig(srv.url()), player, zap.NewNop())

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Disconnect() })
	return s, srv.accept(t), player
}

func TestConnectAndGuard(t *testing.T) {
	s, _, _ := connectedSession(t)

	if s.State() != StateConnected {
		t.Fatalf("expected connected state, got %s", s.State())
	}

	// A second Connect while open must be a silent no-op.
	if err := s.Connect(context.Background()); err != nil {
		t.Errorf("unexpected error from duplicate connect: %v", err)
	}
	if s.State() != StateConnected {
		t.Errorf("duplicate connect changed state to %s", s.State())
	}
}

func TestConnectUnreachable(t *testing.T) {
	s := New(testConfig("ws://127.0.0.1:1"), newSpyPlayer(), zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Connect(ctx)
	if err == nil {
		t.Fatal("expected dial error")
	}
	if s.State() != StateDisconnected {
		t.Errorf("expected disconnected state after dial failure, got %s", s.State())
	}
	if s.LastError() == "" {
		t.Error("expected user-facing error text")
	}
}

func TestPingPong(t *testing.T) {
	_, server, _ := connectedSession(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ping := map[string]any{"type": "ping", "ping_event": map[string]any{"event_id": 42}}
	if err := wsjson.Write(ctx, server, ping); err != nil {
		t.Fatalf("server write failed: %v", err)
	}

	var pong struct {
		Type    string `json:"type"`
		EventID int64  `json:"event_id"`
	}
	if err := wsjson.Read(ctx, server, &pong); err != nil {
		t.Fatalf("server read failed: %v", err)
	}
	if pong.Type != "pong" || pong.EventID != 42 {
		t.Errorf("expected pong echoing event id 42, got %+v", pong)
	}
}

func TestTranscriptAppendOnly(t *testing.T) {
	s, server, _ := connectedSession(t)
	ctx := context.Background()

	msgs := []map[string]any{
		{"type": "connected"},
		{"type": "user_transcript", "user_transcript_event": map[string]any{"text": "hello there"}},
		{"type": "agent_response", "agent_response_event": map[string]any{"agent_response": "hi, how can I help?"}},
	}
	for _, m := range msgs {
		if err := wsjson.Write(ctx, server, m); err != nil {
			t.Fatalf("server write failed: %v", err)
		}
	}

	waitFor(t, "three transcript entries", func() bool { return len(s.Transcript()) == 3 })

	tr := s.Transcript()
	if tr[0].Role != RoleAssistant {
		t.Errorf("expected greeting from assistant, got role %s", tr[0].Role)
	}
	if tr[1].Role != RoleUser || tr[1].Content != "hello there" {
		t.Errorf("unexpected user entry: %+v", tr[1])
	}
	if tr[2].Role != RoleAssistant || tr[2].Content != "hi, how can I help?" {
		t.Errorf("unexpected agent entry: %+v", tr[2])
	}
	if s.LastUser() != "hello there" {
		t.Errorf("unexpected LastUser: %q", s.LastUser())
	}
	if s.LastAgent() != "hi, how can I help?" {
		t.Errorf("unexpected LastAgent: %q", s.LastAgent())
	}
}

func TestAudioChunkPlayed(t *testing.T) {
	_, server, player := connectedSession(t)
	ctx := context.Background()

	pcm := audio.Float32ToPCM16(make([]float32, 480))
	msg := map[string]any{
		"type":        "audio",
		"audio_event": map[string]any{"audio_base_64": base64.StdEncoding.EncodeToString(pcm)},
	}
	if err := wsjson.Write(ctx, server, msg); err != nil {
		t.Fatalf("server write failed: %v", err)
	}

	select {
	case <-player.played:
	case <-time.After(2 * time.Second):
		t.Fatal("audio chunk never reached the player")
	}

	player.mu.Lock()
	defer player.mu.Unlock()
	if player.clips[0].SampleRate != 48000 {
		t.Errorf("expected default 48000 rate, got %d", player.clips[0].SampleRate)
	}
	if len(player.clips[0].Samples) != 480 {
		t.Errorf("expected 480 samples, got %d", len(player.clips[0].Samples))
	}
}

func TestLargeBinaryFrameTreatedAsAudio(t *testing.T) {
	_, server, player := connectedSession(t)

	pcm := audio.Float32ToPCM16(make([]float32, 2048)) // over the JSON threshold
	if err := server.Write(context.Background(), websocket.MessageBinary, pcm); err != nil {
		t.Fatalf("server write failed: %v", err)
	}

	select {
	case <-player.played:
	case <-time.After(2 * time.Second):
		t.Fatal("binary audio frame never reached the player")
	}
}

func TestSmallBinaryJSONFrame(t *testing.T) {
	_, server, _ := connectedSession(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Control message delivered on a binary frame: still dispatched as JSON.
	raw, _ := json.Marshal(map[string]any{"type": "ping", "ping_event": map[string]any{"event_id": 7}})
	if err := server.Write(ctx, websocket.MessageBinary, raw); err != nil {
		t.Fatalf("server write failed: %v", err)
	}

	var pong struct {
		Type    string `json:"type"`
		EventID int64  `json:"event_id"`
	}
	if err := wsjson.Read(ctx, server, &pong); err != nil {
		t.Fatalf("server read failed: %v", err)
	}
	if pong.Type != "pong" || pong.EventID != 7 {
		t.Errorf("expected pong for binary-framed ping, got %+v", pong)
	}
}

func TestMP3SignatureOverridesDeclaredFormat(t *testing.T) {
	srv := newWSServer(t)
	core, logs := observer.New(zap.WarnLevel)
	player := newSpyPlayer()
	s := New(testConfig(srv.url()), player, zap.New(core))
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Disconnect() })
	server := srv.accept(t)

	// MP3 frame sync under the default pcm_48000 tag. The payload is
	// deliberately truncated garbage: if the sniff routes it to the MP3
	// decoder it fails and is skipped; the PCM path would have "played" it.
	junk := append([]byte{0xFF, 0xFB}, make([]byte, 40)...)
	msg := map[string]any{
		"type":        "audio",
		"audio_event": map[string]any{"audio_base_64": base64.StdEncoding.EncodeToString(junk)},
	}
	if err := wsjson.Write(context.Background(), server, msg); err != nil {
		t.Fatalf("server write failed: %v", err)
	}

	waitFor(t, "format mismatch warning", func() bool {
		return logs.FilterMessageSnippet("declared format disagrees").Len() > 0
	})
	waitFor(t, "undecodable chunk warning", func() bool {
		return logs.FilterMessageSnippet("undecodable audio chunk").Len() > 0
	})
	if player.count() != 0 {
		t.Errorf("corrupt MP3 chunk must be skipped, but %d clips played", player.count())
	}
}

func TestMutedDropsInboundAudio(t *testing.T) {
	s, server, player := connectedSession(t)
	s.SetMuted(true)

	player.mu.Lock()
	gain := player.gain
	player.mu.Unlock()
	if gain != 0 {
		t.Errorf("expected gain 0 while muted, got %f", gain)
	}

	pcm := audio.Float32ToPCM16(make([]float32, 480))
	msg := map[string]any{
		"type":        "audio",
		"audio_event": map[string]any{"audio_base_64": base64.StdEncoding.EncodeToString(pcm)},
	}
	if err := wsjson.Write(context.Background(), server, msg); err != nil {
		t.Fatalf("server write failed: %v", err)
	}

	select {
	case <-player.played:
		t.Fatal("muted session must not schedule audio")
	case <-time.After(200 * time.Millisecond):
	}

	s.SetMuted(false)
	player.mu.Lock()
	gain = player.gain
	player.mu.Unlock()
	if gain != 1 {
		t.Errorf("expected gain restored to 1, got %f", gain)
	}
}

func TestMetadataNegotiatesFormatAndStartsCapture(t *testing.T) {
	s, server, player := connectedSession(t)
	mic := &fakeCapturer{}
	s.AttachCapture(mic)

	msg := map[string]any{
		"type": "conversation_initiation_metadata",
		"conversation_initiation_metadata_event": map[string]any{
			"agent_output_audio_format": "pcm_16000",
		},
	}
	if err := wsjson.Write(context.Background(), server, msg); err != nil {
		t.Fatalf("server write failed: %v", err)
	}

	waitFor(t, "capture start", func() bool { return mic.Recording() })

	// Subsequent audio decodes at the negotiated rate.
	pcm := audio.Float32ToPCM16(make([]float32, 160))
	audioMsg := map[string]any{
		"type":        "audio",
		"audio_event": map[string]any{"audio_base_64": base64.StdEncoding.EncodeToString(pcm)},
	}
	if err := wsjson.Write(context.Background(), server, audioMsg); err != nil {
		t.Fatalf("server write failed: %v", err)
	}

	select {
	case <-player.played:
	case <-time.After(2 * time.Second):
		t.Fatal("audio never played")
	}
	player.mu.Lock()
	defer player.mu.Unlock()
	if player.clips[0].SampleRate != 16000 {
		t.Errorf("expected negotiated 16000 rate, got %d", player.clips[0].SampleRate)
	}
}

func TestServerErrorSurfaced(t *testing.T) {
	s, server, _ := connectedSession(t)

	msg := map[string]any{"type": "error", "message": "agent quota exceeded"}
	if err := wsjson.Write(context.Background(), server, msg); err != nil {
		t.Fatalf("server write failed: %v", err)
	}

	waitFor(t, "surfaced error", func() bool { return s.LastError() == "agent quota exceeded" })

	// Non-fatal: the connection stays up.
	if s.State() != StateConnected {
		t.Errorf("protocol error must not close the session, state is %s", s.State())
	}
}

func TestUnknownMessageIgnored(t *testing.T) {
	s, server, _ := connectedSession(t)

	msg := map[string]any{"type": "telemetry_snapshot", "payload": "whatever"}
	if err := wsjson.Write(context.Background(), server, msg); err != nil {
		t.Fatalf("server write failed: %v", err)
	}

	// Session keeps working: a ping after the unknown message is answered.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ping := map[string]any{"type": "ping", "ping_event": map[string]any{"event_id": 9}}
	if err := wsjson.Write(ctx, server, ping); err != nil {
		t.Fatalf("server write failed: %v", err)
	}
	var pong struct {
		Type    string `json:"type"`
		EventID int64  `json:"event_id"`
	}
	if err := wsjson.Read(ctx, server, &pong); err != nil {
		t.Fatalf("server read failed: %v", err)
	}
	if pong.EventID != 9 {
		t.Errorf("expected pong 9 after ignored message, got %+v", pong)
	}
	if s.State() != StateConnected {
		t.Errorf("unknown message must not affect state, got %s", s.State())
	}
}

func TestDisconnectTeardown(t *testing.T) {
	s, _, _ := connectedSession(t)
	mic := &fakeCapturer{}
	s.AttachCapture(mic)
	_ = mic.Start(context.Background())

	if err := s.Disconnect(); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}

	if s.State() != StateDisconnected {
		t.Errorf("expected disconnected, got %s", s.State())
	}
	if mic.Recording() {
		t.Error("expected capture stopped on disconnect")
	}

	// Idempotent.
	if err := s.Disconnect(); err != nil {
		t.Errorf("second disconnect errored: %v", err)
	}

	// Audio writes after disconnect are rejected, not sent.
	if err := s.WriteAudioChunk("abcd"); err == nil {
		t.Error("expected ErrNotConnected after disconnect")
	}
}

func TestServerCloseStopsCapture(t *testing.T) {
	s, server, _ := connectedSession(t)
	mic := &fakeCapturer{}
	s.AttachCapture(mic)
	_ = mic.Start(context.Background())

	_ = server.Close(websocket.StatusNormalClosure, "bye")

	waitFor(t, "disconnected state", func() bool { return s.State() == StateDisconnected })
	waitFor(t, "capture stopped", func() bool { return !mic.Recording() })
}

func TestStaleReadLoopCannotTearDownNewConnection(t *testing.T) {
	srv := newWSServer(t)
	player := newSpyPlayer()
	s := New(testConfig(srv.url()), player, zap.NewNop())

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	_ = srv.accept(t)
	s.mu.Lock()
	old := s.conn
	s.mu.Unlock()

	if err := s.Disconnect(); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Disconnect() })
	_ = srv.accept(t)

	mic := &fakeCapturer{}
	s.AttachCapture(mic)
	_ = mic.Start(context.Background())

	// The previous connection's read loop may report its close after the
	// replacement connection is already up. That report must be ignored.
	s.handleClosed(old, errors.New("use of closed network connection"))

	if s.State() != StateConnected {
		t.Errorf("stale close report changed state to %s", s.State())
	}
	if !mic.Recording() {
		t.Error("stale close report stopped capture")
	}
	if err := s.WriteAudioChunk("abcd"); err != nil {
		t.Errorf("audio write on live connection failed: %v", err)
	}
}

func TestEventsEmitted(t *testing.T) {
	s, server, _ := connectedSession(t)

	msg := map[string]any{"type": "agent_response", "agent_response_event": map[string]any{"agent_response": "sure thing"}}
	if err := wsjson.Write(context.Background(), server, msg); err != nil {
		t.Fatalf("server write failed: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-s.Events():
			if ev.Type == EventAgentResponse {
				m, ok := ev.Data.(ConversationMessage)
				if !ok || m.Content != "sure thing" {
					t.Fatalf("unexpected event payload: %+v", ev.Data)
				}
				return
			}
		case <-deadline:
			t.Fatal("agent response event never emitted")
		}
	}
}
