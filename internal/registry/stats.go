package registry

import (
	"sync"
	"time"
)

// rateWindow tracks connection admissions over rolling one-minute and
// one-hour windows using fixed bucket rings: 60 one-second buckets for the
// minute window, 60 one-minute buckets for the hour window.
type rateWindow struct {
	mu sync.Mutex

	secBuckets [60]int64
	secStamps  [60]int64 // unix second each bucket was last written

	minBuckets [60]int64
	minStamps  [60]int64 // unix minute each bucket was last written
}

func newRateWindow() *rateWindow {
	return &rateWindow{}
}

// record counts one admission at time t.
func (w *rateWindow) record(t time.Time) {
	sec := t.Unix()
	min := sec / 60

	w.mu.Lock()
	defer w.mu.Unlock()

	si := sec % 60
	if w.secStamps[si] != sec {
		w.secStamps[si] = sec
		w.secBuckets[si] = 0
	}
	w.secBuckets[si]++

	mi := min % 60
	if w.minStamps[mi] != min {
		w.minStamps[mi] = min
		w.minBuckets[mi] = 0
	}
	w.minBuckets[mi]++
}

// counts returns admissions within the last minute and last hour as of t.
func (w *rateWindow) counts(t time.Time) (lastMinute, lastHour int64) {
	sec := t.Unix()
	min := sec / 60

	w.mu.Lock()
	defer w.mu.Unlock()

	for i := 0; i < 60; i++ {
		if sec-w.secStamps[i] < 60 {
			lastMinute += w.secBuckets[i]
		}
		if min-w.minStamps[i] < 60 {
			lastHour += w.minBuckets[i]
		}
	}
	return lastMinute, lastHour
}
