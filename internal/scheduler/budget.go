package scheduler

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/kiranshivaraju/reviewlens/internal/store"
	"github.com/kiranshivaraju/reviewlens/pkg/models"
)

// Budget bounds.
const (
	MinBudget     = 2
	DefaultBudget = 4
	MaxBudget     = 6
)

// LoadSignals is one sample of system pressure. Load and Mem are fractions where
// 1.0 means saturated.
type LoadSignals struct {
	Load       float64
	Mem        float64
	Running    int
	QueueDepth int
	ErrorRate  float64
}

// Budget maps load signals to a concurrency budget. Rows are checked top-down.
func Budget(s LoadSignals) int {
	switch {
	case s.Load < 0.3 && s.Mem < 0.5:
		return MaxBudget
	case s.Load < 0.5 && s.Mem < 0.7:
		return DefaultBudget
	case s.Load > 0.8 || s.Mem > 0.8:
		return MinBudget
	default:
		return DefaultBudget
	}
}

// Sampler reports current load signals.
type Sampler interface {
	Sample(ctx context.Context) (LoadSignals, error)
}

// SamplerStore is the slice of the store StoreSampler reads.
type SamplerStore interface {
	CountTasks(ctx context.Context, filter store.TaskFilter) (int, error)
	CountOutcomesSince(ctx context.Context, since time.Time) (completed, failed int, err error)
}

// StoreSampler derives load from the task store and process memory.
//
// load = max(running tasks system-wide / capacity, failed share of tasks that
// finished within the error window); mem = heap in use / memory budget.
type StoreSampler struct {
	store          SamplerStore
	capacity       int
	memoryBudget   uint64
	errorWindow    time.Duration
	now            func() time.Time
	heapAllocBytes func() uint64
}

// NewStoreSampler creates a StoreSampler. capacity is the number of concurrently
// running tasks the deployment considers full load.
func NewStoreSampler(s SamplerStore, capacity, memoryBudgetMB int, errorWindow time.Duration) *StoreSampler {
	if capacity <= 0 {
		capacity = 1
	}
	if memoryBudgetMB <= 0 {
		memoryBudgetMB = 512
	}
	return &StoreSampler{
		store:          s,
		capacity:       capacity,
		memoryBudget:   uint64(memoryBudgetMB) << 20,
		errorWindow:    errorWindow,
		now:            func() time.Time { return time.Now().UTC() },
		heapAllocBytes: heapAlloc,
	}
}

func (s *StoreSampler) Sample(ctx context.Context) (LoadSignals, error) {
	var sig LoadSignals

	running, err := s.store.CountTasks(ctx, store.TaskFilter{Statuses: []models.TaskStatus{models.TaskRunning}})
	if err != nil {
		return sig, fmt.Errorf("sample running tasks: %w", err)
	}
	depth, err := s.store.CountTasks(ctx, store.TaskFilter{
		Statuses: []models.TaskStatus{models.TaskPending, models.TaskQueued},
	})
	if err != nil {
		return sig, fmt.Errorf("sample queue depth: %w", err)
	}
	sig.Running = running
	sig.QueueDepth = depth

	if s.errorWindow > 0 {
		completed, failed, err := s.store.CountOutcomesSince(ctx, s.now().Add(-s.errorWindow))
		if err != nil {
			return sig, fmt.Errorf("sample error rate: %w", err)
		}
		if finished := completed + failed; finished > 0 {
			sig.ErrorRate = float64(failed) / float64(finished)
		}
	}

	sig.Load = max(float64(running)/float64(s.capacity), sig.ErrorRate)
	sig.Mem = float64(s.heapAllocBytes()) / float64(s.memoryBudget)
	return sig, nil
}

func heapAlloc() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

// FixedSampler always returns the same signals.
type FixedSampler LoadSignals

func (f FixedSampler) Sample(context.Context) (LoadSignals, error) {
	return LoadSignals(f), nil
}
