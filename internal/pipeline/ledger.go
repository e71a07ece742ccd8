package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// LedgerBackend stores the snapshot of processed update IDs. Load returning
// (nil, nil) means no snapshot exists yet.
type LedgerBackend interface {
	Load() ([]int64, error)
	Save(ids []int64) error
}

type ledgerBackendCloser interface {
	Close() error
}

// Ledger tracks which update IDs have completed processing. Reads fail open:
// a missing or corrupt snapshot starts the run from an empty set and accepts
// reprocessing. Writes are the opposite: losing a persist risks duplicate
// mutations, so save failures are fatal for the run.
type Ledger struct {
	backend LedgerBackend
	logger  *zap.Logger
}

func NewLedger(backend LedgerBackend, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{backend: backend, logger: logger}
}

func (l *Ledger) Load() map[int64]struct{} {
	ids, err := l.backend.Load()
	if err != nil {
		l.logger.Warn("ledger load failed, starting from empty set", zap.Error(err))
		return map[int64]struct{}{}
	}
	if ids == nil {
		l.logger.Info("no ledger snapshot found, starting from empty set")
		return map[int64]struct{}{}
	}
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func (l *Ledger) Persist(ids map[int64]struct{}) error {
	sorted := make([]int64, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	if err := l.backend.Save(sorted); err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerWrite, err)
	}
	return nil
}

func (l *Ledger) Close() {
	if closer, ok := l.backend.(ledgerBackendCloser); ok && closer != nil {
		_ = closer.Close()
	}
}

// NextOffset returns the fetch offset implied by the processed set: one past
// the highest processed ID, or zero for an empty ledger.
func NextOffset(ids map[int64]struct{}) int64 {
	if len(ids) == 0 {
		return 0
	}
	var max int64
	for id := range ids {
		if id > max {
			max = id
		}
	}
	return max + 1
}

type FileLedgerBackend struct {
	Path string
}

func NewFileLedgerBackend(path string) *FileLedgerBackend {
	return &FileLedgerBackend{Path: strings.TrimSpace(path)}
}

func (b *FileLedgerBackend) Load() ([]int64, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var ids []int64
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (b *FileLedgerBackend) Save(ids []int64) error {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return ErrInvalidInput
	}
	if ids == nil {
		ids = []int64{}
	}
	data, err := json.MarshalIndent(ids, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

type InMemoryLedgerBackend struct {
	mu       sync.Mutex
	snapshot []int64
}

func NewInMemoryLedgerBackend() *InMemoryLedgerBackend {
	return &InMemoryLedgerBackend{}
}

func (b *InMemoryLedgerBackend) Load() ([]int64, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	clone := make([]int64, len(b.snapshot))
	copy(clone, b.snapshot)
	return clone, nil
}

func (b *InMemoryLedgerBackend) Save(ids []int64) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	clone := make([]int64, len(ids))
	copy(clone, ids)
	b.snapshot = clone
	return nil
}
