// Package ledger persists daily ledgers, one per calendar day.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/hashicorp/go-hclog"
	"github.com/kisy/vpnledger/model"
	"github.com/spf13/afero"
)

var ErrUnknownStore = errors.New("unknown ledger store")

// Store loads and saves complete daily ledgers.
//
// Load returns an empty ledger when nothing is stored for the day or the
// stored content cannot be decoded; the latter is logged and the stored data
// is left in place. Save replaces the whole day atomically.
type Store interface {
	Load(ctx context.Context, day model.Day) (model.DailyLedger, error)
	Save(ctx context.Context, day model.Day, l model.DailyLedger) error
	// RecentDays returns up to n stored days, most recent first.
	RecentDays(ctx context.Context, n int) ([]model.Day, error)
	Close() error
}

// Order selects how RecentDays ranks days.
type Order int

const (
	// OrderModTime ranks by last write time. A late rewrite of an old day
	// moves it to the front.
	OrderModTime Order = iota
	// OrderDate ranks by calendar date.
	OrderDate
)

func ParseOrder(s string) (Order, error) {
	switch strings.ToLower(s) {
	case "", "mtime":
		return OrderModTime, nil
	case "date":
		return OrderDate, nil
	default:
		return 0, fmt.Errorf("unknown recent day order %q", s)
	}
}

func (o Order) String() string {
	if o == OrderDate {
		return "date"
	}
	return "mtime"
}

// Options are shared by all store implementations.
type Options struct {
	Order  Order
	Logger hclog.Logger
	Clock  quartz.Clock // write timestamps for the database backed stores
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = hclog.NewNullLogger()
	}
	if o.Clock == nil {
		o.Clock = quartz.NewReal()
	}
	return o
}

// Open creates the store named kind under dataDir: "file", "sqlite" or "badger".
func Open(kind, dataDir string, opts Options) (Store, error) {
	switch kind {
	case "", "file":
		return NewFileStore(afero.NewOsFs(), dataDir, opts)
	case "sqlite":
		return NewSQLiteStore(filepath.Join(dataDir, "ledger.db"), opts)
	case "badger":
		return NewBadgerStore(filepath.Join(dataDir, "badger"), opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStore, kind)
	}
}

type dayEntry struct {
	day     model.Day
	updated time.Time
}

// rankDays sorts entries per order and returns at most n days.
func rankDays(entries []dayEntry, order Order, n int) []model.Day {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if order == OrderModTime && !a.updated.Equal(b.updated) {
			return a.updated.After(b.updated)
		}
		return b.day.Before(a.day)
	})

	if n >= 0 && len(entries) > n {
		entries = entries[:n]
	}
	days := make([]model.Day, len(entries))
	for i, e := range entries {
		days[i] = e.day
	}
	return days
}
