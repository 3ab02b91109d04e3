package onecta

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Cloud API request budget per account.
const (
	MinuteRequestLimit = 20
	DailyRequestLimit  = 200
)

// RateUsage is the number of requests sent in the trailing windows.
type RateUsage struct {
	LastMinute int `json:"last_minute"`
	LastDay    int `json:"last_24h"`
}

// Exceeded reports whether either window is over its limit.
func (u RateUsage) Exceeded() bool {
	return u.LastMinute > MinuteRequestLimit || u.LastDay > DailyRequestLimit
}

// rateWindow counts requests over a sliding 24 hour window. It observes
// only; it never delays or rejects a request.
type rateWindow struct {
	clock clock.Clock

	mu    sync.Mutex
	times []time.Time // ascending
}

func newRateWindow(clk clock.Clock) *rateWindow {
	return &rateWindow{clock: clk}
}

// record notes one request and returns the usage including it.
func (w *rateWindow) record() RateUsage {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now()
	w.prune(now)
	w.times = append(w.times, now)
	return w.usage(now)
}

// current returns usage without recording.
func (w *rateWindow) current() RateUsage {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now()
	w.prune(now)
	return w.usage(now)
}

func (w *rateWindow) prune(now time.Time) {
	cutoff := now.Add(-24 * time.Hour)
	i := 0
	for i < len(w.times) && !w.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.times = append(w.times[:0], w.times[i:]...)
	}
}

func (w *rateWindow) usage(now time.Time) RateUsage {
	cutoff := now.Add(-time.Minute)
	minute := 0
	for j := len(w.times) - 1; j >= 0 && w.times[j].After(cutoff); j-- {
		minute++
	}
	return RateUsage{LastMinute: minute, LastDay: len(w.times)}
}
