package stats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/hashicorp/go-hclog"
	"github.com/kisy/vpnledger/model"
	"github.com/kisy/vpnledger/pkg/ledger"
	"github.com/kisy/vpnledger/pkg/monitor"
	"github.com/kisy/vpnledger/pkg/status"
	"github.com/spf13/afero"
)

// ErrTickInProgress is returned by Tick when another tick is still running.
var ErrTickInProgress = errors.New("tick already in progress")

// TickResult summarises one completed tick.
type TickResult struct {
	Day      model.Day
	Clients  int // snapshots parsed from the feed
	Skipped  int // malformed feed lines
	Merge    MergeStats
	Saved    bool
	Duration time.Duration
}

// Counters are running totals since start, read by the metrics exporter.
type Counters struct {
	Ticks          uint64
	Failures       uint64
	Overlaps       uint64 // ticks refused because one was running
	SkippedLines   uint64
	Duplicates     uint64
	Reconnects     uint64
	LastSuccess    time.Time
	LastDuration   time.Duration
	LastTickFailed bool
}

// DayLedger pairs a ledger with its calendar day.
type DayLedger struct {
	Day    model.Day         `json:"date"`
	Ledger model.DailyLedger `json:"stats"`
}

// Collector runs the read, parse, merge, save cycle against the status feed
// and keeps the latest ledger of the current day for readers.
type Collector struct {
	fs       afero.Fs
	feedPath string
	store    ledger.Store
	logger   hclog.Logger

	clock   quartz.Clock
	loc     *time.Location
	subnets *monitor.SubnetWatcher

	tickMu sync.Mutex // held for the whole tick

	mu        sync.RWMutex
	day       model.Day
	current   model.DailyLedger
	counters  Counters
	startTime time.Time
}

func NewCollector(fs afero.Fs, feedPath string, store ledger.Store, logger hclog.Logger) *Collector {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	clock := quartz.NewReal()
	return &Collector{
		fs:        fs,
		feedPath:  feedPath,
		store:     store,
		logger:    logger,
		clock:     clock,
		loc:       time.Local,
		current:   model.DailyLedger{},
		startTime: clock.Now(),
	}
}

func (c *Collector) SetClock(clock quartz.Clock) {
	c.mu.Lock()
	c.clock = clock
	c.startTime = clock.Now()
	c.mu.Unlock()
}

// SetLocation sets the timezone that decides where a day ends.
func (c *Collector) SetLocation(loc *time.Location) {
	c.mu.Lock()
	c.loc = loc
	c.mu.Unlock()
}

// SetSubnetWatcher enables the check that virtual addresses fall inside the
// tunnel subnets. Mismatches are only logged.
func (c *Collector) SetSubnetWatcher(w *monitor.SubnetWatcher) {
	c.mu.Lock()
	c.subnets = w
	c.mu.Unlock()
}

// Tick performs one cycle. A feed that cannot be read fails the tick and
// leaves the stored ledger untouched. If a tick is already running the call
// returns ErrTickInProgress immediately.
func (c *Collector) Tick(ctx context.Context) (TickResult, error) {
	if !c.tickMu.TryLock() {
		c.mu.Lock()
		c.counters.Overlaps++
		c.mu.Unlock()
		return TickResult{}, ErrTickInProgress
	}
	defer c.tickMu.Unlock()

	c.mu.RLock()
	clock, loc, subnets := c.clock, c.loc, c.subnets
	c.mu.RUnlock()

	start := clock.Now()
	res, err := c.tick(ctx, model.DayOf(start.In(loc)), subnets)
	res.Duration = clock.Since(start)

	c.mu.Lock()
	c.counters.Ticks++
	c.counters.LastDuration = res.Duration
	c.counters.LastTickFailed = err != nil
	if err != nil {
		c.counters.Failures++
	} else {
		c.counters.LastSuccess = start
		c.counters.SkippedLines += uint64(res.Skipped)
		c.counters.Duplicates += uint64(res.Merge.Duplicates)
		c.counters.Reconnects += uint64(res.Merge.Reconnects)
	}
	c.mu.Unlock()

	return res, err
}

func (c *Collector) tick(ctx context.Context, day model.Day, subnets *monitor.SubnetWatcher) (TickResult, error) {
	res := TickResult{Day: day}

	raw, err := status.ReadFeed(c.fs, c.feedPath)
	if err != nil {
		return res, err
	}
	parsed := status.Parse(raw, c.logger.Named("parser"))
	res.Clients = len(parsed.Snapshots)
	res.Skipped = len(parsed.Skipped)

	if subnets != nil {
		if err := subnets.Refresh(); err != nil {
			c.logger.Warn("refresh tunnel subnets", "error", err)
		}
		for _, s := range parsed.Snapshots {
			if !subnets.Contains(s.VirtualAddress) {
				c.logger.Warn("virtual address outside tunnel subnets", "cn", s.CN, "virtual", s.VirtualAddress)
			}
		}
	}

	prior, err := c.store.Load(ctx, day)
	if err != nil {
		return res, fmt.Errorf("load ledger %s: %w", day, err)
	}

	merged, ms := Merge(parsed.Snapshots, prior)
	res.Merge = ms
	if ms.Duplicates > 0 {
		c.logger.Warn("client listed more than once in one read, last row wins", "day", day, "duplicates", ms.Duplicates)
	}

	if len(parsed.Snapshots) == 0 {
		c.logger.Debug("no clients in status feed, nothing to update", "day", day)
		c.setCurrent(day, prior)
		return res, nil
	}

	if err := c.store.Save(ctx, day, merged); err != nil {
		return res, fmt.Errorf("save ledger %s: %w", day, err)
	}
	res.Saved = true
	c.setCurrent(day, merged)

	c.logger.Debug("ledger updated", "day", day, "clients", len(merged),
		"new", ms.New, "updated", ms.Updated, "reconnects", ms.Reconnects)
	return res, nil
}

func (c *Collector) setCurrent(day model.Day, l model.DailyLedger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.day != day {
		c.logger.Info("opening ledger", "day", day, "clients", len(l))
	}
	c.day = day
	c.current = l
}

// Current returns a copy of the ledger written by the last tick.
func (c *Collector) Current() DayLedger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return DayLedger{Day: c.day, Ledger: c.current.Clone()}
}

func (c *Collector) Counters() Counters {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters
}

func (c *Collector) GetStartTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.startTime
}

// Today returns the calendar day of the current time.
func (c *Collector) Today() model.Day {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return model.DayOf(c.clock.Now().In(c.loc))
}

// Recent loads up to n stored days, most recent first. Days that fail to
// load are skipped.
func (c *Collector) Recent(ctx context.Context, n int) ([]DayLedger, error) {
	days, err := c.store.RecentDays(ctx, n)
	if err != nil {
		return nil, err
	}

	out := make([]DayLedger, 0, len(days))
	for _, d := range days {
		l, err := c.store.Load(ctx, d)
		if err != nil {
			c.logger.Warn("skipping unreadable ledger", "day", d, "error", err)
			continue
		}
		out = append(out, DayLedger{Day: d, Ledger: l})
	}
	return out, nil
}

// Load returns the stored ledger of one day.
func (c *Collector) Load(ctx context.Context, day model.Day) (model.DailyLedger, error) {
	return c.store.Load(ctx, day)
}
