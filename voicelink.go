// Package voicelink is a high-level client for real-time voice conversations
// with a Mohit AI agent: it wires microphone capture, the websocket protocol
// session, and speaker playback into one object.
package voicelink

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mohit-ai/voicelink/pkg/capture"
	"github.com/mohit-ai/voicelink/pkg/playback"
	"github.com/mohit-ai/voicelink/pkg/session"
)

// Client owns one voice conversation end to end.
//
// Example:
//
//	client, err := voicelink.New()
//	if err != nil { ... }
//	defer client.Close()
//	if err := client.Connect(ctx); err != nil { ... }
//	for ev := range client.Events() { ... }
type Client struct {
	session *session.Session
	player  *playback.DevicePlayer
	capture *capture.Engine
}

type options struct {
	sessionCfg   session.Config
	captureCfg   capture.Config
	playbackRate int
	log          *zap.Logger
}

// Option customizes a Client.
type Option func(*options)

// WithLogger sets the logger used by all components.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithSessionConfig overrides the session configuration.
func WithSessionConfig(cfg session.Config) Option {
	return func(o *options) { o.sessionCfg = cfg }
}

// WithCaptureConfig overrides the microphone configuration.
func WithCaptureConfig(cfg capture.Config) Option {
	return func(o *options) { o.captureCfg = cfg }
}

// WithPlaybackRate sets the speaker device sample rate.
func WithPlaybackRate(hz int) Option {
	return func(o *options) { o.playbackRate = hz }
}

// New opens the playback device and assembles a disconnected client with
// sensible defaults.
func New(opts ...Option) (*Client, error) {
	o := options{
		sessionCfg:   session.DefaultConfig(),
		captureCfg:   capture.DefaultConfig(),
		playbackRate: 48000,
		log:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	player, err := playback.NewDevicePlayer(o.playbackRate, o.log)
	if err != nil {
		return nil, fmt.Errorf("open playback device: %w", err)
	}

	sess := session.New(o.sessionCfg, player, o.log)
	eng := capture.NewEngine(o.captureCfg, sess, o.log)
	sess.AttachCapture(eng)

	return &Client{session: sess, player: player, capture: eng}, nil
}

// Connect dials the agent service. Capture starts automatically once the
// server announces its conversation metadata.
func (c *Client) Connect(ctx context.Context) error {
	return c.session.Connect(ctx)
}

// Disconnect ends the conversation and tears down capture and playback
// state. The client can connect again afterwards.
func (c *Client) Disconnect() error {
	return c.session.Disconnect()
}

// Close disconnects and releases the playback device. The client cannot be
// reused after Close.
func (c *Client) Close() error {
	_ = c.session.Disconnect()
	return c.player.Close()
}

// SetMuted toggles agent audio playback.
func (c *Client) SetMuted(muted bool) {
	c.session.SetMuted(muted)
}

// Muted reports whether agent audio is muted.
func (c *Client) Muted() bool {
	return c.session.Muted()
}

// Events returns the conversation event stream.
func (c *Client) Events() <-chan session.Event {
	return c.session.Events()
}

// Transcript returns a snapshot of the conversation so far.
func (c *Client) Transcript() []session.ConversationMessage {
	return c.session.Transcript()
}

// LastUser returns the user's most recent transcript line.
func (c *Client) LastUser() string {
	return c.session.LastUser()
}

// LastAgent returns the agent's most recent response.
func (c *Client) LastAgent() string {
	return c.session.LastAgent()
}

// LastError returns the most recent user-facing error text.
func (c *Client) LastError() string {
	return c.session.LastError()
}

// SessionID returns the conversation's unique identifier.
func (c *Client) SessionID() string {
	return c.session.ID()
}

// State returns the connection state.
func (c *Client) State() session.State {
	return c.session.State()
}

// MicLevel returns the current microphone RMS level in [0, 1].
func (c *Client) MicLevel() float64 {
	return c.capture.Level()
}
