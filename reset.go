package emficampaign

import (
	"sync"
	"time"
)

// ResetDetector watches the live transmission stream for evidence that the
// target rebooted unexpectedly: its boot banner keyword showing up mid-run, or
// total silence past the response timeout after a trigger. It is stateless
// between signals except for tracking whether a post-trigger response is
// currently expected.
type ResetDetector struct {
	bannerKeyword   string
	responseTimeout time.Duration

	mu        sync.Mutex
	expecting bool
	expectAt  time.Time
	pending   bool
}

func NewResetDetector(bannerKeyword string, responseTimeout time.Duration) *ResetDetector {
	return &ResetDetector{
		bannerKeyword:   bannerKeyword,
		responseTimeout: responseTimeout,
	}
}

// Observe inspects one parsed transmission. Called from the serial ingestion
// goroutine for every frame.
func (d *ResetDetector) Observe(t Transmission) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t.Keyword == d.bannerKeyword {
		d.pending = true
	}
}

// ExpectResponse marks the start of the post-trigger wait window.
func (d *ResetDetector) ExpectResponse(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expecting = true
	d.expectAt = now
}

// ClearExpectation ends the post-trigger wait window.
func (d *ResetDetector) ClearExpectation() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expecting = false
}

// ResetSignaled reports whether reset evidence has accumulated: a banner frame
// since the last Acknowledge, or an expired post-trigger window.
func (d *ResetDetector) ResetSignaled(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending {
		return true
	}
	return d.expecting && now.Sub(d.expectAt) > d.responseTimeout
}

// Acknowledge consumes a pending banner signal so the next trial starts clean.
func (d *ResetDetector) Acknowledge() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = false
	d.expecting = false
}
