package mqtt

import (
	"sync"
	"time"
)

// DailyCounts tracks notification outcomes that reset at local
// midnight. It is safe for concurrent use.
type DailyCounts struct {
	mu        sync.Mutex
	forwarded int64
	failed    int64
	cycles    int64
	day       string // YYYY-MM-DD of the last reset
	loc       *time.Location
	now       func() time.Time
}

// NewDailyCounts creates a new accumulator using the given timezone for
// midnight detection. If loc is nil, [time.Local] is used.
func NewDailyCounts(loc *time.Location) *DailyCounts {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyCounts{loc: loc, now: time.Now}
	d.day = d.today()
	return d
}

// Record adds the outcome of one check cycle.
func (d *DailyCounts) Record(forwarded, failed int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.forwarded += int64(forwarded)
	d.failed += int64(failed)
	d.cycles++
}

// Snapshot returns today's totals after checking for midnight rollover.
func (d *DailyCounts) Snapshot() (forwarded, failed, cycles int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return d.forwarded, d.failed, d.cycles
}

func (d *DailyCounts) today() string {
	return d.now().In(d.loc).Format(time.DateOnly)
}

// maybeReset zeroes the accumulators if the local date has changed.
// Must be called with d.mu held.
func (d *DailyCounts) maybeReset() {
	if today := d.today(); today != d.day {
		d.forwarded = 0
		d.failed = 0
		d.cycles = 0
		d.day = today
	}
}
