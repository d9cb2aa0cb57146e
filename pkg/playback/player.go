package playback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"

	"github.com/mohit-ai/voicelink/pkg/audio"
)

// DevicePlayer renders clips through a malgo playback device. Clips are
// resampled to the device rate, scaled by the current gain, and appended to a
// pending byte buffer that the device callback drains; the callback zero-fills
// whatever it cannot satisfy so underruns produce silence, not noise.
type DevicePlayer struct {
	rate int
	log  *zap.Logger

	mctx   *malgo.AllocatedContext
	device *malgo.Device

	mu      sync.Mutex
	pending []byte
	gain    float64
}

// NewDevicePlayer opens the default playback device at the given sample rate
// (mono, 16-bit).
func NewDevicePlayer(sampleRate int, log *zap.Logger) (*DevicePlayer, error) {
	if log == nil {
		log = zap.NewNop()
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	p := &DevicePlayer{rate: sampleRate, log: log, mctx: mctx, gain: 1.0}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = 1
	cfg.SampleRate = uint32(sampleRate)
	cfg.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: p.onSamples,
	})
	if err != nil {
		mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("init playback device: %w", err)
	}
	p.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("start playback device: %w", err)
	}

	return p, nil
}

func (p *DevicePlayer) onSamples(pOutput, _ []byte, _ uint32) {
	p.mu.Lock()
	n := copy(pOutput, p.pending)
	p.pending = p.pending[n:]
	p.mu.Unlock()

	for i := n; i < len(pOutput); i++ {
		pOutput[i] = 0
	}
}

// Play waits until start, then hands the clip to the device and blocks for
// the clip's duration so the queue can chain clips gaplessly.
func (p *DevicePlayer) Play(ctx context.Context, clip Clip, start time.Time) error {
	if wait := time.Until(start); wait > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	samples := clip.Samples
	if clip.SampleRate != p.rate {
		samples = audio.Resample(samples, clip.SampleRate, p.rate)
	}

	p.mu.Lock()
	gain := p.gain
	p.mu.Unlock()
	if gain != 1.0 {
		scaled := make([]float32, len(samples))
		for i, s := range samples {
			scaled[i] = s * float32(gain)
		}
		samples = scaled
	}

	p.mu.Lock()
	p.pending = append(p.pending, audio.Float32ToPCM16(samples)...)
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(clip.Duration()):
		return nil
	}
}

// Now returns the player's clock reading.
func (p *DevicePlayer) Now() time.Time {
	return time.Now()
}

// SetGain sets the output volume multiplier. 0 mutes, 1 is unity.
func (p *DevicePlayer) SetGain(gain float64) {
	p.mu.Lock()
	p.gain = gain
	p.mu.Unlock()
}

// Close stops the device and releases the audio context. Pending bytes are
// discarded.
func (p *DevicePlayer) Close() error {
	p.mu.Lock()
	p.pending = nil
	p.mu.Unlock()

	if p.device != nil {
		p.device.Uninit()
		p.device = nil
	}
	if p.mctx != nil {
		p.mctx.Uninit()
		p.mctx.Free()
		p.mctx = nil
	}
	return nil
}
