// Package playback schedules decoded audio clips for gapless sequential
// playback. All inbound encodings are decoded to canonical PCM before
// enqueueing, so PCM and MP3 chunks share a single FIFO timeline and one
// scheduling cursor.
package playback

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// maxQueued is the soft cap on pending clips. Under sustained overload
	// the queue prefers low latency over completeness.
	maxQueued = 10
	// keepOnTrim is how many of the most recent clips survive an overflow.
	keepOnTrim = 5
)

// Clip is a decoded mono PCM segment ready for scheduling.
type Clip struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the clip's play time at its sample rate.
func (c Clip) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(len(c.Samples)) / float64(c.SampleRate) * float64(time.Second))
}

// Player renders clips against its own clock. Play blocks until the clip has
// finished playing (or ctx is cancelled); the queue relies on this to chain
// clips back to back.
type Player interface {
	Play(ctx context.Context, clip Clip, start time.Time) error
	Now() time.Time
	SetGain(gain float64)
	Close() error
}

// Queue is a FIFO of decoded clips drained by at most one goroutine at a
// time. Consecutive clips are scheduled with no gap and no overlap: each
// starts at max(player clock, cursor) and advances the cursor by its
// duration.
type Queue struct {
	player Player
	log    *zap.Logger

	mu       sync.Mutex
	clips    []Clip
	draining bool
	cursor   time.Time
}

// NewQueue creates a queue draining into player. A nil logger is replaced
// with a no-op logger.
func NewQueue(player Player, log *zap.Logger) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{player: player, log: log}
}

// Enqueue appends a clip. Overflow is resolved when the drainer picks the
// queue back up, so a burst is judged as a whole rather than clip by clip.
func (q *Queue) Enqueue(clip Clip) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.clips = append(q.clips, clip)
}

// Drain plays queued clips in order until the queue is empty. Calling Drain
// while another drain is in progress is a no-op, so it is safe to trigger on
// every enqueue.
func (q *Queue) Drain(ctx context.Context) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		q.mu.Lock()
		if len(q.clips) > maxQueued {
			dropped := len(q.clips) - keepOnTrim
			q.clips = append(q.clips[:0:0], q.clips[len(q.clips)-keepOnTrim:]...)
			q.log.Warn("playback queue overflow, dropping oldest clips",
				zap.Int("dropped", dropped),
				zap.Int("kept", keepOnTrim))
		}
		if len(q.clips) == 0 {
			q.mu.Unlock()
			return
		}
		clip := q.clips[0]
		q.clips = q.clips[1:]
		cursor := q.cursor
		q.mu.Unlock()

		start := q.player.Now()
		if cursor.After(start) {
			start = cursor
		}

		if err := q.player.Play(ctx, clip, start); err != nil {
			if ctx.Err() != nil {
				return
			}
			// A failed clip is skipped; the queue must not stall.
			q.log.Warn("clip playback failed, skipping", zap.Error(err))
			continue
		}

		q.mu.Lock()
		q.cursor = start.Add(clip.Duration())
		q.mu.Unlock()
	}
}

// Len returns the number of pending clips.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.clips)
}

// Clear drops all pending clips and resets the scheduling cursor. An active
// drain finishes its current clip and then finds the queue empty.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.clips = nil
	q.cursor = time.Time{}
}
