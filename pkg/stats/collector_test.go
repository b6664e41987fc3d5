package stats

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/kisy/vpnledger/model"
	"github.com/kisy/vpnledger/pkg/ledger"
	"github.com/kisy/vpnledger/pkg/status"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

const feedPath = "/var/log/openvpn-status.log"

// countingStore counts Save calls and can block Load until released.
type countingStore struct {
	ledger.Store
	saves   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (s *countingStore) Load(ctx context.Context, day model.Day) (model.DailyLedger, error) {
	if s.entered != nil {
		s.entered <- struct{}{}
		<-s.release
	}
	return s.Store.Load(ctx, day)
}

func (s *countingStore) Save(ctx context.Context, day model.Day, l model.DailyLedger) error {
	s.saves.Add(1)
	return s.Store.Save(ctx, day, l)
}

type harness struct {
	fs        afero.Fs
	store     *countingStore
	clock     *quartz.Mock
	collector *Collector
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	fs := afero.NewMemMapFs()
	fileStore, err := ledger.NewFileStore(fs, "/data/daily", ledger.Options{})
	require.NoError(t, err)
	store := &countingStore{Store: fileStore}

	clock := quartz.NewMock(t)
	clock.Set(time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC))

	c := NewCollector(fs, feedPath, store, nil)
	c.SetClock(clock)
	c.SetLocation(time.UTC)

	return &harness{fs: fs, store: store, clock: clock, collector: c}
}

func (h *harness) writeFeed(t *testing.T, rows ...string) {
	t.Helper()
	feed := "TITLE,OpenVPN 2.6.8\nHEADER,CLIENT_LIST,Common Name,Real Address,Virtual Address,Virtual IPv6 Address,Bytes Received,Bytes Sent,Connected Since,Connected Since (time_t)\n"
	for _, r := range rows {
		feed += r + "\n"
	}
	feed += "END\n"
	require.NoError(t, afero.WriteFile(h.fs, feedPath, []byte(feed), 0o644))
}

func (h *harness) stored(t *testing.T, day model.Day) model.DailyLedger {
	t.Helper()
	l, err := h.store.Load(context.Background(), day)
	require.NoError(t, err)
	return l
}

func TestCollector_Tick(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.writeFeed(t,
		"CLIENT_LIST,alice,203.0.113.7:51234,10.8.0.2,,100,50,2026-10-18 11:00:00,1792321200",
		"CLIENT_LIST,bob,198.51.100.9:1194,10.8.0.3,,7,8,2026-10-18 11:30:00,1792323000",
	)
	res, err := h.collector.Tick(ctx)
	require.NoError(t, err)
	require.True(t, res.Saved)
	require.Equal(t, model.Day("2026-10-18"), res.Day)
	require.Equal(t, MergeStats{New: 2}, res.Merge)

	// alice reconnected, bob went away.
	h.writeFeed(t,
		"CLIENT_LIST,alice,203.0.113.8:40000,10.8.0.2,,20,10,2026-10-18 12:00:30,1792324830",
	)
	res, err = h.collector.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, MergeStats{Reconnects: 1}, res.Merge)

	got := h.stored(t, "2026-10-18")
	require.Len(t, got, 2)
	require.EqualValues(t, 120, got["alice"].BytesReceived)
	require.EqualValues(t, 60, got["alice"].BytesSent)
	require.Equal(t, 2, got["alice"].Sessions)
	require.Equal(t, "203.0.113.8", got["alice"].RealAddress)
	require.EqualValues(t, 7, got["bob"].BytesReceived)

	cur := h.collector.Current()
	require.Equal(t, model.Day("2026-10-18"), cur.Day)
	require.Equal(t, got, cur.Ledger)

	cnt := h.collector.Counters()
	require.EqualValues(t, 2, cnt.Ticks)
	require.EqualValues(t, 1, cnt.Reconnects)
	require.False(t, cnt.LastTickFailed)
}

func TestCollector_EmptyFeedDoesNotSave(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.writeFeed(t, "CLIENT_LIST,alice,203.0.113.7:51234,10.8.0.2,,100,50,x,1792321200")
	_, err := h.collector.Tick(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, h.store.saves.Load())

	h.writeFeed(t)
	res, err := h.collector.Tick(ctx)
	require.NoError(t, err)
	require.False(t, res.Saved)
	require.EqualValues(t, 1, h.store.saves.Load())
	require.Len(t, h.stored(t, "2026-10-18"), 1)
	require.Len(t, h.collector.Current().Ledger, 1)
}

func TestCollector_UnreadableFeedKeepsLedger(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.writeFeed(t, "CLIENT_LIST,alice,203.0.113.7:51234,10.8.0.2,,100,50,x,1792321200")
	_, err := h.collector.Tick(ctx)
	require.NoError(t, err)
	before := h.stored(t, "2026-10-18")

	require.NoError(t, h.fs.Remove(feedPath))
	_, err = h.collector.Tick(ctx)
	require.ErrorIs(t, err, status.ErrFeedUnreadable)

	require.Equal(t, before, h.stored(t, "2026-10-18"))
	cnt := h.collector.Counters()
	require.EqualValues(t, 1, cnt.Failures)
	require.True(t, cnt.LastTickFailed)

	// Next tick recovers.
	h.writeFeed(t, "CLIENT_LIST,alice,203.0.113.7:51234,10.8.0.2,,150,60,x,1792321200")
	_, err = h.collector.Tick(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 150, h.stored(t, "2026-10-18")["alice"].BytesReceived)
}

func TestCollector_MalformedLinesCounted(t *testing.T) {
	h := newHarness(t)

	h.writeFeed(t,
		"CLIENT_LIST,alice,203.0.113.7:51234,10.8.0.2,,100,50,x,1792321200",
		"CLIENT_LIST,bob,198.51.100.9:1194",
	)
	res, err := h.collector.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Clients)
	require.Equal(t, 1, res.Skipped)
	require.EqualValues(t, 1, h.collector.Counters().SkippedLines)
}

func TestCollector_DayRollover(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.clock.Set(time.Date(2026, 10, 18, 23, 59, 0, 0, time.UTC))

	row := "CLIENT_LIST,alice,203.0.113.7:51234,10.8.0.2,,100,50,x,1792321200"
	h.writeFeed(t, row)
	_, err := h.collector.Tick(ctx)
	require.NoError(t, err)

	h.clock.Advance(2 * time.Minute).MustWait(ctx)
	require.Equal(t, model.Day("2026-10-19"), h.collector.Today())

	h.writeFeed(t, "CLIENT_LIST,alice,203.0.113.7:51234,10.8.0.2,,130,55,x,1792321200")
	res, err := h.collector.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, model.Day("2026-10-19"), res.Day)
	require.Equal(t, MergeStats{New: 1}, res.Merge)

	// The old day is left as it was.
	require.EqualValues(t, 100, h.stored(t, "2026-10-18")["alice"].BytesReceived)
	require.EqualValues(t, 130, h.stored(t, "2026-10-19")["alice"].BytesReceived)

	recent, err := h.collector.Recent(ctx, 7)
	require.NoError(t, err)
	require.Len(t, recent, 2)
}

func TestCollector_Location(t *testing.T) {
	h := newHarness(t)
	h.clock.Set(time.Date(2026, 10, 18, 23, 30, 0, 0, time.UTC))
	h.collector.SetLocation(time.FixedZone("UTC+2", 2*60*60))

	h.writeFeed(t, "CLIENT_LIST,alice,203.0.113.7:51234,10.8.0.2,,1,1,x,1")
	res, err := h.collector.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, model.Day("2026-10-19"), res.Day)
}

func TestCollector_OverlappingTickIsRefused(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.store.entered = make(chan struct{})
	h.store.release = make(chan struct{})
	h.writeFeed(t, "CLIENT_LIST,alice,203.0.113.7:51234,10.8.0.2,,1,1,x,1")

	done := make(chan error, 1)
	go func() {
		_, err := h.collector.Tick(ctx)
		done <- err
	}()
	<-h.store.entered

	_, err := h.collector.Tick(ctx)
	require.ErrorIs(t, err, ErrTickInProgress)

	close(h.store.release)
	require.NoError(t, <-done)
	require.EqualValues(t, 1, h.collector.Counters().Overlaps)
	require.EqualValues(t, 1, h.collector.Counters().Ticks)
}
