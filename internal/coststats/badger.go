package coststats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/specialistvlad/calcgrid/internal/value"
)

const keyPrefix = "cost/"

// badgerLogger routes badger's internal logging through slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerPersister stores cost entries in a badger database, one key per
// bucket.
type BadgerPersister struct {
	db *badger.DB
}

var _ Persister = (*BadgerPersister)(nil)

// OpenBadger opens the database at path. An empty path opens an in-memory
// database, which is only useful in tests.
func OpenBadger(path string, logger *slog.Logger) (*BadgerPersister, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0o750); err != nil {
			return nil, fmt.Errorf("create cost database directory %s: %w", path, err)
		}
		opts = badger.DefaultOptions(path).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &BadgerPersister{db: db}, nil
}

func encodeKey(k Key) []byte {
	return []byte(keyPrefix + string(k.TargetType) + "/" + k.FunctionID)
}

func decodeKey(b []byte) (Key, error) {
	rest, ok := strings.CutPrefix(string(b), keyPrefix)
	if !ok {
		return Key{}, fmt.Errorf("unexpected key %q", b)
	}
	typ, fn, ok := strings.Cut(rest, "/")
	if !ok || fn == "" {
		return Key{}, fmt.Errorf("malformed cost key %q", b)
	}
	return Key{FunctionID: fn, TargetType: value.TargetType(typ)}, nil
}

// Load implements Persister.
func (p *BadgerPersister) Load(ctx context.Context) (map[Key]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[Key]Entry)
	prefix := []byte(keyPrefix)
	err := p.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			k, err := decodeKey(item.KeyCopy(nil))
			if err != nil {
				return err
			}
			err = item.Value(func(val []byte) error {
				var e Entry
				if err := json.Unmarshal(val, &e); err != nil {
					return fmt.Errorf("decode cost entry %s: %w", k, err)
				}
				out[k] = e
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Save implements Persister. Existing buckets not in entries are kept.
func (p *BadgerPersister) Save(ctx context.Context, entries map[Key]Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	wb := p.db.NewWriteBatch()
	defer wb.Cancel()
	for k, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode cost entry %s: %w", k, err)
		}
		if err := wb.Set(encodeKey(k), data); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// Close implements Persister.
func (p *BadgerPersister) Close() error {
	return p.db.Close()
}
