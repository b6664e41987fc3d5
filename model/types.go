package model

import (
	"sort"
	"time"
)

// ClientSnapshot is one CLIENT_LIST row read from the status feed.
// Byte counters are cumulative for the current session only.
type ClientSnapshot struct {
	CN             string `json:"cn"`
	RealAddress    string `json:"real"`
	VirtualAddress string `json:"virtual"`
	BytesReceived  uint64 `json:"recv"`
	BytesSent      uint64 `json:"sent"`
	Since          int64  `json:"since"` // Session start, epoch seconds
}

// ClientRecord contains the accumulated traffic of a client for one day.
type ClientRecord struct {
	CN             string `json:"cn"`
	RealAddress    string `json:"real"`
	VirtualAddress string `json:"virtual"`
	BytesReceived  uint64 `json:"recv"`
	BytesSent      uint64 `json:"sent"`
	Since          int64  `json:"since"` // Start of the latest session
	Sessions       int    `json:"sessions"`
}

// SinceTime returns the start of the latest session.
func (r ClientRecord) SinceTime() time.Time {
	return time.Unix(r.Since, 0)
}

// DailyLedger maps CN to the day's record for that client.
type DailyLedger map[string]ClientRecord

// NewLedger builds a ledger from records. A later record with the same CN
// replaces an earlier one.
func NewLedger(records []ClientRecord) DailyLedger {
	l := make(DailyLedger, len(records))
	for _, r := range records {
		l[r.CN] = r
	}
	return l
}

// Clone returns a shallow copy. Records are values so this is a full copy.
func (l DailyLedger) Clone() DailyLedger {
	out := make(DailyLedger, len(l))
	for cn, r := range l {
		out[cn] = r
	}
	return out
}

// Records returns the records sorted by CN.
func (l DailyLedger) Records() []ClientRecord {
	list := make([]ClientRecord, 0, len(l))
	for _, r := range l {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CN < list[j].CN })
	return list
}

// Totals sums received and sent bytes over all clients.
func (l DailyLedger) Totals() (recv, sent uint64) {
	for _, r := range l {
		recv += r.BytesReceived
		sent += r.BytesSent
	}
	return recv, sent
}
