package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"os"

	"github.com/charmbracelet/log"
	"github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"

	"github.com/mpataki/testorch/internal/models"
)

var (
	historyPrefix = []byte("history/")
	runIndexKey   = []byte("run/")
	historySeqKey = []byte("seq/history")
)

// HistoryLog is a Ledger on a badger key-value store. Records live under
// history/<big-endian seq> so a reverse prefix scan yields newest first;
// run/<id> indexes a run id to its sequence number.
type HistoryLog struct {
	db  *badger.DB
	seq *badger.Sequence
}

type BadgerConfig struct {
	// Path is ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
	Logger     *log.Logger
}

type badgerLogger struct {
	logger *log.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{})   { l.logger.Errorf(format, args...) }
func (l *badgerLogger) Warningf(format string, args ...interface{}) { l.logger.Warnf(format, args...) }
func (l *badgerLogger) Infof(format string, args ...interface{})    { l.logger.Infof(format, args...) }
func (l *badgerLogger) Debugf(format string, args ...interface{})   { l.logger.Debugf(format, args...) }

func OpenHistoryLog(cfg BadgerConfig) (*HistoryLog, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent history log")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("failed to create history directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open history log: %w", err)
	}

	seq, err := db.GetSequence(historySeqKey, 64)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open history sequence: %w", err)
	}

	return &HistoryLog{db: db, seq: seq}, nil
}

func (h *HistoryLog) Close() error {
	seqErr := h.seq.Release()
	return errors.Join(seqErr, h.db.Close())
}

func historyKey(seq int64) []byte {
	key := make([]byte, len(historyPrefix)+8)
	copy(key, historyPrefix)
	binary.BigEndian.PutUint64(key[len(historyPrefix):], uint64(seq))
	return key
}

func (h *HistoryLog) Append(ctx context.Context, rec *models.HistoryRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	next, err := h.seq.Next()
	if err != nil {
		return fmt.Errorf("failed to allocate history sequence: %w", err)
	}
	seq := int64(next) + 1

	stored := *rec
	stored.Seq = seq
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to encode history record: %w", err)
	}

	key := historyKey(seq)
	err = h.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set(append(append([]byte{}, runIndexKey...), rec.ID...), key)
	})
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}

	rec.Seq = seq
	return nil
}

func (h *HistoryLog) List(ctx context.Context, q models.HistoryQuery) iter.Seq2[*models.HistoryRecord, error] {
	return func(yield func(*models.HistoryRecord, error) bool) {
		stopped := false
		err := h.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Reverse = true
			opts.Prefix = historyPrefix
			it := txn.NewIterator(opts)
			defer it.Close()

			seek := append(append([]byte{}, historyPrefix...), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
			count := 0
			for it.Seek(seek); it.Valid(); it.Next() {
				if err := ctx.Err(); err != nil {
					return err
				}

				var rec models.HistoryRecord
				if err := it.Item().Value(func(v []byte) error {
					return json.Unmarshal(v, &rec)
				}); err != nil {
					return fmt.Errorf("failed to decode history record: %w", err)
				}
				if q.ProjectID != "" && rec.ProjectID != q.ProjectID {
					continue
				}

				if !yield(&rec, nil) {
					stopped = true
					return nil
				}
				count++
				if q.Limit > 0 && count == q.Limit {
					return nil
				}
			}
			return nil
		})
		if err != nil && !stopped {
			yield(nil, err)
		}
	}
}

func (h *HistoryLog) GetRun(_ context.Context, runID string) (*models.RunResult, error) {
	var rec models.HistoryRecord
	err := h.db.View(func(txn *badger.Txn) error {
		idx, err := txn.Get(append(append([]byte{}, runIndexKey...), runID...))
		if err != nil {
			return err
		}
		key, err := idx.ValueCopy(nil)
		if err != nil {
			return err
		}
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("run %q: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rec.RunResult, nil
}
