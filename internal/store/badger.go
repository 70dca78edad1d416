package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	json "github.com/goccy/go-json"

	"github.com/rendis/stepwise/pkg/schema"
)

const (
	executionPrefix = "exec:"
	outputPrefix    = "out:"
)

// BadgerStore implements Store on an embedded Badger key-value database.
// Executions live under exec:<id>; outputs under out:<execution_id>:<seq>.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
	seq    *badger.Sequence
	done   chan struct{}
	once   sync.Once
}

// NewBadgerStore opens (or creates) a Badger database in dir. An empty dir
// opens an in-memory database.
func NewBadgerStore(dir string, logger *slog.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = &badgerLogger{logger: logger.With("component", "badger")}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	seq, err := db.GetSequence([]byte("seq:outputs"), 128)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open output sequence: %w", err)
	}

	s := &BadgerStore{db: db, logger: logger, seq: seq, done: make(chan struct{})}
	if dir != "" {
		go s.runGarbageCollection()
	}
	return s, nil
}

func (s *BadgerStore) Create(_ context.Context, exec *schema.WorkflowExecution) (*schema.WorkflowExecution, error) {
	row, err := prepareCreate(exec)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("marshal execution: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(executionKey(row.ID), data)
	})
	if err != nil {
		return nil, storeError("insert execution", err)
	}
	return row, nil
}

func (s *BadgerStore) Get(_ context.Context, id string) (*schema.WorkflowExecution, error) {
	var exec *schema.WorkflowExecution
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		exec, err = readExecution(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return exec, nil
}

func (s *BadgerStore) ConditionalUpdate(_ context.Context, id string, expectedVersion int64, mutate Mutator) (*schema.WorkflowExecution, error) {
	var next *schema.WorkflowExecution
	err := s.db.Update(func(txn *badger.Txn) error {
		current, err := readExecution(txn, id)
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return versionConflict(id, expectedVersion, current.Version)
		}
		next, err = applyMutator(current, mutate)
		if err != nil {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal execution: %w", err)
		}
		return txn.Set(executionKey(id), data)
	})
	if errors.Is(err, badger.ErrConflict) {
		// Another transaction committed a write to the same key first.
		return nil, versionConflict(id, expectedVersion, -1)
	}
	if err != nil {
		var engErr *schema.EngineError
		if errors.As(err, &engErr) {
			return nil, err
		}
		return nil, storeError("update execution", err)
	}
	return next, nil
}

func (s *BadgerStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*schema.WorkflowExecution, error) {
	var out []*schema.WorkflowExecution
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(executionPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var exec schema.WorkflowExecution
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &exec)
			}); err != nil {
				return err
			}
			if filter.Matches(&exec) {
				out = append(out, &exec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, storeError("list executions", err)
	}
	sortExecutions(out)
	return page(out, filter.Limit, filter.Offset), nil
}

func (s *BadgerStore) AppendStepOutput(_ context.Context, out *schema.StepOutput) error {
	row, err := prepareOutput(out)
	if err != nil {
		return err
	}
	n, err := s.seq.Next()
	if err != nil {
		return storeError("next output sequence", err)
	}
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal step output: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(executionKey(row.ExecutionID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storeNotFound("execution", row.ExecutionID)
			}
			return err
		}
		return txn.Set([]byte(fmt.Sprintf("%s%s:%020d", outputPrefix, row.ExecutionID, n)), data)
	})
	if err != nil {
		var engErr *schema.EngineError
		if errors.As(err, &engErr) {
			return err
		}
		return storeError("insert step output", err)
	}
	out.ID = row.ID
	out.CreatedAt = row.CreatedAt
	return nil
}

func (s *BadgerStore) ListStepOutputs(_ context.Context, executionID string) ([]*schema.StepOutput, error) {
	out := []*schema.StepOutput{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(outputPrefix + executionID + ":")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var o schema.StepOutput
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &o)
			}); err != nil {
				return err
			}
			out = append(out, &o)
		}
		return nil
	})
	if err != nil {
		return nil, storeError("list step outputs", err)
	}
	return out, nil
}

func (s *BadgerStore) Migrate(context.Context) error { return nil }

func (s *BadgerStore) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		if relErr := s.seq.Release(); relErr != nil {
			s.logger.Error("failed to release output sequence", "error", relErr)
		}
		err = s.db.Close()
	})
	return err
}

func (s *BadgerStore) runGarbageCollection() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			lsm, vlog := s.db.Size()
			s.logger.Debug("running garbage collection", "lsm_size", lsm, "vlog_size", vlog)
			if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Error("garbage collection failed", "error", err)
			}
		}
	}
}

func executionKey(id string) []byte {
	return []byte(executionPrefix + id)
}

func readExecution(txn *badger.Txn, id string) (*schema.WorkflowExecution, error) {
	item, err := txn.Get(executionKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, storeError("read execution", err)
	}
	var exec schema.WorkflowExecution
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &exec)
	}); err != nil {
		return nil, storeError("decode execution", err)
	}
	if exec.StepHistory == nil {
		exec.StepHistory = []schema.StepRecord{}
	}
	return &exec, nil
}

// badgerLogger routes badger's internal logging through slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
