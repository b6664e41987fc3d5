// Package status reads the OpenVPN status log and turns its CLIENT_LIST rows
// into client snapshots.
package status

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/kisy/vpnledger/model"
)

const (
	clientListTag = "CLIENT_LIST"
	headerTag     = "HEADER"
)

// Fixed column positions of a CLIENT_LIST row. The HEADER row is informational
// only; these never move.
const (
	colCN      = 1
	colReal    = 2
	colVirtual = 3
	colRecv    = 5
	colSent    = 6
	colSince   = 8

	minColumns = colSince + 1
)

// LineError describes a CLIENT_LIST row that could not be converted.
type LineError struct {
	Line int // 1-based line number in the feed
	Text string
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("status line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error {
	return e.Err
}

// ParseResult is the outcome of parsing one feed read.
type ParseResult struct {
	Snapshots []model.ClientSnapshot
	Skipped   []*LineError
	Header    []string // column names from HEADER,CLIENT_LIST if present
}

// Parse converts every well-formed CLIENT_LIST row of raw into a snapshot, in
// feed order. Malformed rows are logged and skipped.
func Parse(raw string, logger hclog.Logger) ParseResult {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	var res ParseResult
	for i, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r")
		cols := strings.Split(line, ",")

		switch {
		case len(cols) > 1 && cols[0] == headerTag && cols[1] == clientListTag:
			res.Header = cols[1:]
		case cols[0] == clientListTag:
			snap, err := parseClientRow(cols)
			if err != nil {
				lerr := &LineError{Line: i + 1, Text: line, Err: err}
				logger.Warn("skipping malformed status line", "line", lerr.Line, "error", err)
				res.Skipped = append(res.Skipped, lerr)
				continue
			}
			res.Snapshots = append(res.Snapshots, snap)
		}
	}

	logger.Debug("parsed status feed", "clients", len(res.Snapshots), "skipped", len(res.Skipped))
	return res
}

func parseClientRow(cols []string) (model.ClientSnapshot, error) {
	if len(cols) < minColumns {
		return model.ClientSnapshot{}, fmt.Errorf("want at least %d columns, got %d", minColumns, len(cols))
	}

	recv, err := strconv.ParseUint(strings.TrimSpace(cols[colRecv]), 10, 64)
	if err != nil {
		return model.ClientSnapshot{}, fmt.Errorf("bytes received: %w", err)
	}
	sent, err := strconv.ParseUint(strings.TrimSpace(cols[colSent]), 10, 64)
	if err != nil {
		return model.ClientSnapshot{}, fmt.Errorf("bytes sent: %w", err)
	}
	since, err := strconv.ParseInt(strings.TrimSpace(cols[colSince]), 10, 64)
	if err != nil {
		return model.ClientSnapshot{}, fmt.Errorf("connected since: %w", err)
	}

	// real:port, only the host part is kept
	host, _, _ := strings.Cut(cols[colReal], ":")

	return model.ClientSnapshot{
		CN:             cols[colCN],
		RealAddress:    host,
		VirtualAddress: cols[colVirtual],
		BytesReceived:  recv,
		BytesSent:      sent,
		Since:          since,
	}, nil
}
