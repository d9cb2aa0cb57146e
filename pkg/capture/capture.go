// Package capture owns the outbound audio path: microphone frames are
// resampled to the wire rate, encoded as 16-bit PCM, base64-wrapped, and
// handed to a ChunkWriter.
package capture

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"

	"github.com/mohit-ai/voicelink/pkg/audio"
)

var (
	// ErrAlreadyRecording is returned when Start is called while the engine
	// is already capturing.
	ErrAlreadyRecording = errors.New("capture already in progress")

	// ErrDeviceInit is returned when the capture device cannot be opened,
	// e.g. no microphone is present or access is denied.
	ErrDeviceInit = errors.New("capture device unavailable")
)

// State describes the capture engine lifecycle.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRecording
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRecording:
		return "recording"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ChunkWriter receives encoded microphone audio. An empty chunk marks the
// end of an utterance.
type ChunkWriter interface {
	WriteAudioChunk(b64 string) error
}

// Config controls the capture pipeline.
type Config struct {
	// DeviceSampleRate is the rate requested from the capture device.
	DeviceSampleRate int
	// TargetSampleRate is the rate sent on the wire.
	TargetSampleRate int
	// BlockSize is the number of samples accumulated before a chunk is
	// encoded and sent.
	BlockSize int
}

// DefaultConfig matches the wire contract of the voice agent service:
// 16 kHz mono PCM in 4096-sample blocks, captured at the rate typical
// microphones actually deliver.
func DefaultConfig() Config {
	return Config{
		DeviceSampleRate: 48000,
		TargetSampleRate: 16000,
		BlockSize:        4096,
	}
}

// Engine streams microphone audio to a ChunkWriter. The recording gate is an
// atomic flag because the device callback runs on the audio thread and must
// not wait on any lock held by control-plane code.
type Engine struct {
	cfg    Config
	writer ChunkWriter
	log    *zap.Logger

	recording atomic.Bool
	state     atomic.Int32
	level     atomic.Uint64 // last block RMS, as math.Float64bits

	mu      sync.Mutex
	mctx    *malgo.AllocatedContext
	device  *malgo.Device
	block   []float32
	resamp  bool
	fromHz  int
}

// NewEngine creates an engine writing to w. A nil logger is replaced with a
// no-op logger.
func NewEngine(cfg Config, w ChunkWriter, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.DeviceSampleRate <= 0 {
		cfg.DeviceSampleRate = DefaultConfig().DeviceSampleRate
	}
	if cfg.TargetSampleRate <= 0 {
		cfg.TargetSampleRate = DefaultConfig().TargetSampleRate
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = DefaultConfig().BlockSize
	}
	return &Engine{cfg: cfg, writer: w, log: log}
}

// Start opens the microphone and begins streaming. It returns ErrDeviceInit
// (wrapped) when no device can be opened; the caller surfaces this as session
// error state rather than terminating.
func (e *Engine) Start(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(StateIdle), int32(StateStarting)) &&
		!e.state.CompareAndSwap(int32(StateError), int32(StateStarting)) {
		return ErrAlreadyRecording
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		e.state.Store(int32(StateError))
		return fmt.Errorf("%w: %v", ErrDeviceInit, err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(e.cfg.DeviceSampleRate)
	cfg.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, pInput []byte, _ uint32) {
			e.processInput(pInput)
		},
	})
	if err != nil {
		mctx.Uninit()
		mctx.Free()
		e.state.Store(int32(StateError))
		return fmt.Errorf("%w: %v", ErrDeviceInit, err)
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		mctx.Uninit()
		mctx.Free()
		e.state.Store(int32(StateError))
		return fmt.Errorf("%w: %v", ErrDeviceInit, err)
	}

	e.mctx = mctx
	e.device = device
	e.armResampler()
	e.block = e.block[:0]
	e.recording.Store(true)
	e.state.Store(int32(StateRecording))

	e.log.Info("capture started",
		zap.Int("device_rate", e.cfg.DeviceSampleRate),
		zap.Int("wire_rate", e.cfg.TargetSampleRate),
		zap.Bool("resampling", e.resamp))
	return nil
}

func (e *Engine) armResampler() {
	e.fromHz = e.cfg.DeviceSampleRate
	e.resamp = e.fromHz != e.cfg.TargetSampleRate
}

// processInput handles one device callback worth of S16 mono samples. It runs
// on the audio thread: the recording flag is the only gate consulted, and all
// failures are logged rather than propagated.
func (e *Engine) processInput(pInput []byte) {
	if len(pInput) == 0 || !e.recording.Load() {
		return
	}

	e.level.Store(math.Float64bits(audio.RMS(pInput)))

	e.mu.Lock()
	e.block = append(e.block, audio.PCM16ToFloat32(pInput)...)
	for len(e.block) >= e.cfg.BlockSize {
		block := e.block[:e.cfg.BlockSize]
		rest := append([]float32(nil), e.block[e.cfg.BlockSize:]...)
		e.sendBlock(block)
		e.block = rest
	}
	e.mu.Unlock()
}

func (e *Engine) sendBlock(block []float32) {
	if e.resamp {
		block = audio.Resample(block, e.fromHz, e.cfg.TargetSampleRate)
	}
	chunk := base64.StdEncoding.EncodeToString(audio.Float32ToPCM16(block))
	if err := e.writer.WriteAudioChunk(chunk); err != nil {
		e.log.Debug("audio chunk dropped", zap.Error(err))
	}
}

// Stop halts capture, releases the device, and sends exactly one empty
// sentinel chunk to mark the end of the utterance. Stopping an idle engine is
// a no-op.
func (e *Engine) Stop() error {
	if !e.recording.CompareAndSwap(true, false) {
		return nil
	}

	e.mu.Lock()
	device := e.device
	mctx := e.mctx
	e.device = nil
	e.mctx = nil
	e.block = nil
	e.resamp = false
	e.mu.Unlock()

	// Uninit joins the audio thread, which may be blocked on e.mu inside
	// processInput. It must run with the lock released.
	if device != nil {
		device.Uninit()
	}
	if mctx != nil {
		mctx.Uninit()
		mctx.Free()
	}

	e.state.Store(int32(StateIdle))
	e.log.Info("capture stopped")

	if err := e.writer.WriteAudioChunk(""); err != nil {
		e.log.Debug("end-of-utterance sentinel dropped", zap.Error(err))
	}
	return nil
}

// Recording reports whether the engine is actively capturing.
func (e *Engine) Recording() bool {
	return e.recording.Load()
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Level returns the RMS level of the most recent captured block, in [0, 1].
func (e *Engine) Level() float64 {
	return math.Float64frombits(e.level.Load())
}
