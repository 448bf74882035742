package lim

import (
	"sync"
	"time"

	"pastebin/metrics"
	"pastebin/svc/util"
)

const (
	anomalyBuckets     = 5
	anomalyMinRequests = 10
	anomalyErrorRate   = 5.0
)

// AnomalyDetector tracks the server error rate over a rolling window of
// one-minute buckets and calls onAnomaly when it climbs too high.
type AnomalyDetector struct {
	mu           sync.Mutex
	window       []bucket
	currentIndex int
	onAnomaly    func()
	done         chan struct{}
	stopOnce     sync.Once
}
type bucket struct {
	requests int64
	errors   int64
}

func NewAnomalyDetector(onAnomaly func()) *AnomalyDetector {
	return &AnomalyDetector{
		window:    make([]bucket, anomalyBuckets),
		onAnomaly: onAnomaly,
		done:      make(chan struct{}),
	}
}
func (d *AnomalyDetector) Start() {
	ticker := time.NewTicker(time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.AdvanceWindow()
			case <-d.done:
				return
			}
		}
	}()
}
func (d *AnomalyDetector) Stop() {
	d.stopOnce.Do(func() { close(d.done) })
}
func (d *AnomalyDetector) RecordRequest() {
	d.mu.Lock()
	d.window[d.currentIndex].requests++
	d.mu.Unlock()
}
func (d *AnomalyDetector) RecordError() {
	d.mu.Lock()
	d.window[d.currentIndex].errors++
	d.mu.Unlock()
}

// AdvanceWindow evaluates the window and starts a fresh bucket.
func (d *AnomalyDetector) AdvanceWindow() {
	d.mu.Lock()
	var reqs, errs int64
	for _, b := range d.window {
		reqs += b.requests
		errs += b.errors
	}
	d.currentIndex = (d.currentIndex + 1) % len(d.window)
	d.window[d.currentIndex] = bucket{}
	d.mu.Unlock()

	var rate float64
	if reqs > 0 {
		rate = float64(errs) / float64(reqs) * 100
	}
	metrics.RecentErrorRatePercent.Set(rate)
	if reqs > anomalyMinRequests && rate > anomalyErrorRate {
		util.Warn().
			Float64("error_rate", rate).
			Int64("total_reqs", reqs).
			Int64("total_errs", errs).
			Msg("high error rate, tightening rate limits")
		if d.onAnomaly != nil {
			d.onAnomaly()
		}
	}
}
