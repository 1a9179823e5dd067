package engine

import (
	"context"
	"runtime"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxWorkers caps parallel partitions when no limit is configured.
const DefaultMaxWorkers = 8

// Partition is the ordered list of units that share one backend key.
// Units of a partition never run concurrently.
type Partition struct {
	Key   BackendKey
	Units []*DeploymentUnit
}

// PartitionByKey groups units by their backend key. Partitions appear in the
// order their first unit appears, and units keep their relative order.
func PartitionByKey(units []*DeploymentUnit, keyOf func(*DeploymentUnit) BackendKey) []Partition {
	index := make(map[BackendKey]int)
	var parts []Partition
	for _, u := range units {
		k := keyOf(u)
		i, ok := index[k]
		if !ok {
			i = len(parts)
			index[k] = i
			parts = append(parts, Partition{Key: k})
		}
		parts[i].Units = append(parts[i].Units, u)
	}
	return parts
}

// WorkFunc processes one unit of a partition. A returned error stops the
// remaining units of the same partition but never other partitions.
type WorkFunc func(ctx context.Context, unit *DeploymentUnit, key BackendKey) error

// Scheduler runs partitions in parallel with a bounded worker pool.
type Scheduler struct {
	maxWorkers int
	logger     zerolog.Logger
}

// NewScheduler creates a scheduler. maxWorkers <= 0 selects DefaultMaxWorkers.
func NewScheduler(maxWorkers int, logger zerolog.Logger) *Scheduler {
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	return &Scheduler{
		maxWorkers: maxWorkers,
		logger:     logger.With().Str("component", "scheduler").Logger(),
	}
}

// Workers returns the pool size for n partitions: at most one per partition,
// at most the configured cap and at most twice the CPU count.
func (s *Scheduler) Workers(n int) int {
	w := min(n, s.maxWorkers, 2*runtime.NumCPU())
	return max(w, 1)
}

// Run processes every partition and returns the aggregated unit errors.
// Units after a failed one in the same partition are left unprocessed and
// reported through skipped.
func (s *Scheduler) Run(ctx context.Context, parts []Partition, fn WorkFunc, skipped func(unit *DeploymentUnit, key BackendKey, cause error)) error {
	if len(parts) == 0 {
		return nil
	}

	var (
		mu     sync.Mutex
		result *multierror.Error
	)

	workers := s.Workers(len(parts))
	s.logger.Debug().Int("partitions", len(parts)).Int("workers", workers).Msg("Scheduling partitions")

	// A plain group: one failing partition must not cancel the others.
	var g errgroup.Group
	g.SetLimit(workers)

	for _, p := range parts {
		g.Go(func() error {
			for i, u := range p.Units {
				if err := ctx.Err(); err != nil {
					if skipped != nil {
						for _, rest := range p.Units[i:] {
							skipped(rest, p.Key, err)
						}
					}
					return nil
				}

				err := fn(ctx, u, p.Key)
				if err == nil {
					continue
				}

				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()

				s.logger.Error().Err(err).
					Str("backend_key", p.Key.String()).
					Str("unit", u.ID).
					Int("remaining", len(p.Units)-i-1).
					Msg("Partition stopped")

				if skipped != nil {
					for _, rest := range p.Units[i+1:] {
						skipped(rest, p.Key, err)
					}
				}
				return nil
			}
			return nil
		})
	}

	_ = g.Wait()
	return result.ErrorOrNil()
}
