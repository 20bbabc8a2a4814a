package perfstats

import (
	"sync"
	"time"
)

// TimeAccumulator records how long something took, over many samples.
// It is safe to use from multiple goroutines.
type TimeAccumulator struct {
	lock    sync.Mutex
	samples int64
	total   time.Duration
	max     time.Duration
	last    time.Duration
}

// TimeSummary is a JSON friendly snapshot of a TimeAccumulator
type TimeSummary struct {
	Samples   int64   `json:"samples"`
	AverageMS float64 `json:"averageMS"`
	MaxMS     float64 `json:"maxMS"`
	LastMS    float64 `json:"lastMS"`
}

func (a *TimeAccumulator) AddSample(v time.Duration) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.samples++
	a.total += v
	a.last = v
	if v > a.max {
		a.max = v
	}
}

// Since adds the time elapsed since start
func (a *TimeAccumulator) Since(start time.Time) time.Duration {
	d := time.Since(start)
	a.AddSample(d)
	return d
}

func (a *TimeAccumulator) Average() time.Duration {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.average()
}

func (a *TimeAccumulator) average() time.Duration {
	if a.samples == 0 {
		return 0
	}
	return time.Duration(a.total.Nanoseconds() / a.samples)
}

func (a *TimeAccumulator) Summary() TimeSummary {
	a.lock.Lock()
	defer a.lock.Unlock()
	return TimeSummary{
		Samples:   a.samples,
		AverageMS: milliseconds(a.average()),
		MaxMS:     milliseconds(a.max),
		LastMS:    milliseconds(a.last),
	}
}

func (a *TimeAccumulator) Reset() {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.samples = 0
	a.total = 0
	a.max = 0
	a.last = 0
}

func milliseconds(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
