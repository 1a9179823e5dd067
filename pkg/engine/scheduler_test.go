package engine

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func unitsWithKeys(pairs ...string) ([]*DeploymentUnit, map[string]BackendKey) {
	keys := make(map[string]BackendKey)
	var units []*DeploymentUnit
	for i := 0; i+1 < len(pairs); i += 2 {
		units = append(units, &DeploymentUnit{ID: pairs[i]})
		keys[pairs[i]] = BackendKey(pairs[i+1])
	}
	return units, keys
}

func TestPartitionByKey(t *testing.T) {
	units, keys := unitsWithKeys("u1", "k1", "u2", "k2", "u3", "k1", "u4", "k3", "u5", "k2")

	parts := PartitionByKey(units, func(u *DeploymentUnit) BackendKey { return keys[u.ID] })

	var got []string
	for _, p := range parts {
		ids := make([]string, 0, len(p.Units))
		for _, u := range p.Units {
			ids = append(ids, u.ID)
		}
		got = append(got, p.Key.String()+"="+strings.Join(ids, "+"))
	}
	if strings.Join(got, " ") != "k1=u1+u3 k2=u2+u5 k3=u4" {
		t.Errorf("partitions = %v", got)
	}
}

func TestScheduler_Workers(t *testing.T) {
	s := NewScheduler(3, zerolog.Nop())

	if got := s.Workers(1); got != 1 {
		t.Errorf("Workers(1) = %d", got)
	}
	if got := s.Workers(0); got != 1 {
		t.Errorf("Workers(0) = %d", got)
	}
	want := min(3, 2*runtime.NumCPU())
	if got := s.Workers(100); got != want {
		t.Errorf("Workers(100) = %d, want %d", got, want)
	}

	if got := NewScheduler(0, zerolog.Nop()).Workers(1000); got > DefaultMaxWorkers {
		t.Errorf("default cap exceeded: %d", got)
	}
}

func TestScheduler_SameKeyRunsSequentially(t *testing.T) {
	units, keys := unitsWithKeys("a1", "A", "b1", "B", "a2", "A", "b2", "B", "a3", "A")
	parts := PartitionByKey(units, func(u *DeploymentUnit) BackendKey { return keys[u.ID] })

	var (
		mu       sync.Mutex
		inFlight = make(map[BackendKey]int)
		overlap  bool
		order    = make(map[BackendKey][]string)
	)

	work := func(_ context.Context, u *DeploymentUnit, key BackendKey) error {
		mu.Lock()
		inFlight[key]++
		if inFlight[key] > 1 {
			overlap = true
		}
		order[key] = append(order[key], u.ID)
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		inFlight[key]--
		mu.Unlock()
		return nil
	}

	if err := NewScheduler(4, zerolog.Nop()).Run(context.Background(), parts, work, nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if overlap {
		t.Error("units sharing a backend key ran concurrently")
	}
	if strings.Join(order["A"], ",") != "a1,a2,a3" || strings.Join(order["B"], ",") != "b1,b2" {
		t.Errorf("order = %v", order)
	}
}

func TestScheduler_FailureIsolatedToPartition(t *testing.T) {
	units, keys := unitsWithKeys("a1", "A", "a2", "A", "b1", "B", "b2", "B")
	parts := PartitionByKey(units, func(u *DeploymentUnit) BackendKey { return keys[u.ID] })

	var (
		mu      sync.Mutex
		ran     []string
		skipped []string
	)
	fatal := NewFatalError("state restore failed", nil).WithCode(ErrCodeRestoreFailed)

	work := func(_ context.Context, u *DeploymentUnit, _ BackendKey) error {
		mu.Lock()
		ran = append(ran, u.ID)
		mu.Unlock()
		if u.ID == "a1" {
			return fatal
		}
		return nil
	}
	onSkip := func(u *DeploymentUnit, _ BackendKey, cause error) {
		mu.Lock()
		skipped = append(skipped, u.ID)
		mu.Unlock()
		if !errors.Is(cause, ErrRestoreFailed) {
			t.Errorf("unexpected skip cause: %v", cause)
		}
	}

	err := NewScheduler(2, zerolog.Nop()).Run(context.Background(), parts, work, onSkip)
	if !errors.Is(err, ErrRestoreFailed) {
		t.Fatalf("Run() error = %v, want ErrRestoreFailed", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(skipped, ",") != "a2" {
		t.Errorf("skipped = %v", skipped)
	}
	for _, id := range []string{"a1", "b1", "b2"} {
		found := false
		for _, r := range ran {
			found = found || r == id
		}
		if !found {
			t.Errorf("%s did not run", id)
		}
	}
}

func TestScheduler_CancelledContextSkipsUnits(t *testing.T) {
	units, keys := unitsWithKeys("a1", "A", "a2", "A")
	parts := PartitionByKey(units, func(u *DeploymentUnit) BackendKey { return keys[u.ID] })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var skipped int
	err := NewScheduler(1, zerolog.Nop()).Run(ctx, parts, func(context.Context, *DeploymentUnit, BackendKey) error {
		t.Error("no unit should run after cancellation")
		return nil
	}, func(*DeploymentUnit, BackendKey, error) { skipped++ })

	if err != nil {
		t.Errorf("Run() error = %v", err)
	}
	if skipped != 2 {
		t.Errorf("skipped = %d, want 2", skipped)
	}
}
