package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/kisy/vpnledger/model"
	"github.com/spf13/afero"
)

const fileExt = ".json"

// FileStore keeps one JSON file per day, named YYYY-MM-DD.json, inside dir.
// RecentDays with OrderModTime ranks by file modification time.
type FileStore struct {
	fs   afero.Fs
	dir  string
	opts Options
}

// NewFileStore creates dir if needed.
func NewFileStore(fsys afero.Fs, dir string, opts Options) (*FileStore, error) {
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir %s: %w", dir, err)
	}
	return &FileStore{fs: fsys, dir: dir, opts: opts.withDefaults()}, nil
}

func (s *FileStore) path(day model.Day) string {
	return filepath.Join(s.dir, day.String()+fileExt)
}

func (s *FileStore) Load(_ context.Context, day model.Day) (model.DailyLedger, error) {
	name := s.path(day)
	b, err := afero.ReadFile(s.fs, name)
	if errors.Is(err, fs.ErrNotExist) {
		s.opts.Logger.Debug("no ledger yet", "day", day)
		return model.DailyLedger{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger %s: %w", name, err)
	}

	var records []model.ClientRecord
	if err := json.Unmarshal(b, &records); err != nil {
		s.opts.Logger.Warn("ledger is not valid json, starting empty", "file", name, "error", err)
		return model.DailyLedger{}, nil
	}
	return model.NewLedger(records), nil
}

// Save writes to a temp file in the same directory and renames it over the
// day's file, so readers never see a partial ledger.
func (s *FileStore) Save(_ context.Context, day model.Day, l model.DailyLedger) error {
	b, err := json.MarshalIndent(l.Records(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger %s: %w", day, err)
	}

	name := s.path(day)
	tmp := filepath.Join(s.dir, "."+day.String()+fileExt+".tmp")
	if err := afero.WriteFile(s.fs, tmp, b, 0o644); err != nil {
		return fmt.Errorf("write ledger %s: %w", tmp, err)
	}
	if err := s.fs.Rename(tmp, name); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("replace ledger %s: %w", name, err)
	}
	return nil
}

func (s *FileStore) RecentDays(_ context.Context, n int) ([]model.Day, error) {
	infos, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return nil, fmt.Errorf("list ledger dir %s: %w", s.dir, err)
	}

	entries := make([]dayEntry, 0, len(infos))
	for _, fi := range infos {
		if fi.IsDir() || !strings.HasSuffix(fi.Name(), fileExt) {
			continue
		}
		day, err := model.ParseDay(strings.TrimSuffix(fi.Name(), fileExt))
		if err != nil {
			continue
		}
		entries = append(entries, dayEntry{day: day, updated: fi.ModTime()})
	}

	days := rankDays(entries, s.opts.Order, n)
	s.opts.Logger.Debug("recent ledgers", "n", n, "days", days)
	return days, nil
}

func (s *FileStore) Close() error {
	return nil
}
