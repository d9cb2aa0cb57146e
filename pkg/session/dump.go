package session

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/mohit-ai/voicelink/pkg/audio"
)

// flushDump writes accumulated agent PCM to a per-session WAV file for
// troubleshooting. Called on disconnect; a failed write is logged, never
// fatal.
func (s *Session) flushDump() {
	if s.cfg.DumpDir == "" {
		return
	}

	s.dumpMu.Lock()
	pcm := s.dumpPCM
	s.dumpPCM = nil
	s.dumpMu.Unlock()

	if len(pcm) == 0 {
		return
	}

	s.mu.Lock()
	rate := s.outputRate
	s.mu.Unlock()

	path := filepath.Join(s.cfg.DumpDir, "session-"+s.id+".wav")
	if err := os.WriteFile(path, audio.NewWAVBuffer(pcm, rate), 0o644); err != nil {
		s.log.Warn("audio dump failed", zap.String("path", path), zap.Error(err))
		return
	}
	s.log.Info("agent audio dumped", zap.String("path", path), zap.Int("bytes", len(pcm)))
}
