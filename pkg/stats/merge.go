package stats

import (
	"github.com/kisy/vpnledger/model"
)

// MergeStats counts what a Merge did with each snapshot.
type MergeStats struct {
	New        int // first session of the day for the CN
	Updated    int // same session, counters replaced
	Reconnects int // new session, previous totals kept as baseline
	Duplicates int // CN already seen earlier in the same batch
}

// Merge reconciles a batch of snapshots against the prior ledger of the same
// day and returns the resulting ledger. prior is never modified.
//
// The feed counters are cumulative for the current session and restart at
// zero on every reconnect. A snapshot whose Since equals the stored one
// overwrites the stored counters; a changed Since is a new session and its
// counters are added to the stored totals.
//
// Clients missing from the batch are carried over unchanged. An empty batch
// returns prior itself and callers should not persist it. Snapshots are
// merged in order against the running result, so a CN listed twice is
// merged twice; repeats are counted in Duplicates.
func Merge(snapshots []model.ClientSnapshot, prior model.DailyLedger) (model.DailyLedger, MergeStats) {
	var ms MergeStats
	if len(snapshots) == 0 {
		return prior, ms
	}

	out := prior.Clone()
	seen := make(map[string]struct{}, len(snapshots))

	for _, s := range snapshots {
		if _, dup := seen[s.CN]; dup {
			ms.Duplicates++
		}
		seen[s.CN] = struct{}{}

		rec, exists := out[s.CN]
		switch {
		case !exists:
			rec = model.ClientRecord{
				CN:            s.CN,
				BytesReceived: s.BytesReceived,
				BytesSent:     s.BytesSent,
				Since:         s.Since,
				Sessions:      1,
			}
			ms.New++
		case rec.Since == s.Since:
			rec.BytesReceived = s.BytesReceived
			rec.BytesSent = s.BytesSent
			ms.Updated++
		default:
			rec.BytesReceived += s.BytesReceived
			rec.BytesSent += s.BytesSent
			rec.Since = s.Since
			rec.Sessions++
			ms.Reconnects++
		}

		rec.RealAddress = s.RealAddress
		rec.VirtualAddress = s.VirtualAddress
		out[s.CN] = rec
	}

	return out, ms
}
