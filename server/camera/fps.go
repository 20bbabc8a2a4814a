package camera

import (
	"math"
	"slices"
	"sync"
	"time"

	"github.com/bmharper/ringbuffer"
)

// Given a set of consecutive frame intervals, estimate the average frames per second.
// The value is a float64 because an IP camera stream is usually fetched at less than 1 FPS.
func EstimateFPS(frameIntervals []time.Duration) float64 {
	if len(frameIntervals) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(frameIntervals))
	copy(sorted, frameIntervals)
	slices.Sort(sorted)
	mid := sorted[len(sorted)/2]
	if mid == 0 {
		return 0
	}
	fps := float64(time.Second) / float64(mid)
	if fps >= 0.9 {
		return math.Round(fps)
	}
	// Below 1 FPS, round to a whole number of seconds per frame
	return 1 / math.Round(1/fps)
}

const frameHistorySize = 32

// frameStats records the timing of the frames that a stream actually produced
type frameStats struct {
	lock      sync.Mutex
	last      time.Time
	intervals ringbuffer.RingP[time.Duration]
	frames    int64
	published int64
}

func newFrameStats() *frameStats {
	return &frameStats{
		intervals: ringbuffer.NewRingP[time.Duration](frameHistorySize),
	}
}

func (s *frameStats) frame(now time.Time, published bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.last.IsZero() {
		s.intervals.Add(now.Sub(s.last))
	}
	s.last = now
	s.frames++
	if published {
		s.published++
	}
}

func (s *frameStats) snapshot() (fps float64, frames, published int64) {
	s.lock.Lock()
	defer s.lock.Unlock()
	intervals := make([]time.Duration, 0, s.intervals.Len())
	for i := 0; i < s.intervals.Len(); i++ {
		intervals = append(intervals, s.intervals.Peek(i))
	}
	return EstimateFPS(intervals), s.frames, s.published
}
