package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/hashicorp/go-hclog"
	"github.com/kisy/vpnledger/model"
)

const badgerPrefix = "ledger/"

// badgerEnvelope is the value stored under ledger/<day>.
type badgerEnvelope struct {
	UpdatedAt int64                `json:"updated_at"` // unix nanoseconds
	Records   []model.ClientRecord `json:"records"`
}

// BadgerStore keeps each day as one key in a Badger database.
type BadgerStore struct {
	db   *badger.DB
	opts Options
}

// NewBadgerStore opens the database in dir. An empty dir opens an in-memory
// database.
func NewBadgerStore(dir string, opts Options) (*BadgerStore, error) {
	opts = opts.withDefaults()

	bopts := badger.DefaultOptions(dir).
		WithLogger(&badgerLogger{logger: opts.Logger.Named("badger")})
	if dir == "" {
		bopts = bopts.WithInMemory(true)
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("badger: open db: %w", err)
	}
	return &BadgerStore{db: db, opts: opts}, nil
}

func badgerKey(day model.Day) []byte {
	return []byte(badgerPrefix + day.String())
}

func (s *BadgerStore) Load(_ context.Context, day model.Day) (model.DailyLedger, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(day))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return model.DailyLedger{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("badger: get %s: %w", day, err)
	}

	var env badgerEnvelope
	if err := json.Unmarshal(value, &env); err != nil {
		s.opts.Logger.Warn("ledger is not valid json, starting empty", "day", day, "error", err)
		return model.DailyLedger{}, nil
	}
	return model.NewLedger(env.Records), nil
}

func (s *BadgerStore) Save(_ context.Context, day model.Day, l model.DailyLedger) error {
	value, err := json.Marshal(badgerEnvelope{
		UpdatedAt: s.opts.Clock.Now().UnixNano(),
		Records:   l.Records(),
	})
	if err != nil {
		return fmt.Errorf("encode ledger %s: %w", day, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(day), value)
	})
	if err != nil {
		return fmt.Errorf("badger: set %s: %w", day, err)
	}
	return nil
}

func (s *BadgerStore) RecentDays(_ context.Context, n int) ([]model.Day, error) {
	var entries []dayEntry

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(badgerPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			day, err := model.ParseDay(strings.TrimPrefix(string(item.Key()), badgerPrefix))
			if err != nil {
				continue
			}

			var env badgerEnvelope
			err = item.Value(func(v []byte) error {
				return json.Unmarshal(v, &env)
			})
			if err != nil {
				// Still listed; Load reports it as empty.
				s.opts.Logger.Warn("undecodable ledger entry", "day", day, "error", err)
			}
			entries = append(entries, dayEntry{day: day, updated: time.Unix(0, env.UpdatedAt)})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger: scan: %w", err)
	}

	return rankDays(entries, s.opts.Order, n), nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// badgerLogger adapts hclog.Logger to Badger's Logger interface.
type badgerLogger struct {
	logger hclog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Trace(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
