package quota

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLedgerSource struct {
	mu         sync.Mutex
	users      []string
	truth      map[string]int
	stored     map[string]int
	truthErr   map[string]error
	overwrites map[string]int
}

func newFakeLedgerSource() *fakeLedgerSource {
	return &fakeLedgerSource{
		truth:      map[string]int{},
		stored:     map[string]int{},
		truthErr:   map[string]error{},
		overwrites: map[string]int{},
	}
}

func (f *fakeLedgerSource) ListActiveUsers(_ context.Context, _ time.Time) ([]string, error) {
	return f.users, nil
}

func (f *fakeLedgerSource) GroundTruthCount(_ context.Context, userID string, _ time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.truthErr[userID]; err != nil {
		return 0, err
	}
	return f.truth[userID], nil
}

func (f *fakeLedgerSource) StoredCount(_ context.Context, userID string, _ time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stored[userID], nil
}

func (f *fakeLedgerSource) OverwriteCount(_ context.Context, userID string, _ time.Time, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overwrites[userID] = count
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestReconcile(t *testing.T) {
	period := PeriodStart(time.Now())

	t.Run("overwrites only drifted counters", func(t *testing.T) {
		source := newFakeLedgerSource()
		source.users = []string{"u1", "u2", "u3"}
		source.truth = map[string]int{"u1": 5, "u2": 3, "u3": 0}
		source.stored = map[string]int{"u1": 5, "u2": 7, "u3": 1}

		r := NewReconciler(source, testLogger(), 2)
		result, err := r.Reconcile(context.Background(), period, false)
		require.NoError(t, err)

		assert.Equal(t, 3, result.TotalUsers)
		assert.Equal(t, 2, result.Fixed)
		assert.Equal(t, 0, result.Errors)

		assert.Equal(t, map[string]int{"u2": 3, "u3": 0}, source.overwrites)
	})

	t.Run("dry run reports drift without writing", func(t *testing.T) {
		source := newFakeLedgerSource()
		source.users = []string{"u1", "u2"}
		source.truth = map[string]int{"u1": 5, "u2": 3}
		source.stored = map[string]int{"u1": 9, "u2": 3}

		r := NewReconciler(source, testLogger(), 0)
		result, err := r.Reconcile(context.Background(), period, true)
		require.NoError(t, err)

		assert.Equal(t, 1, result.Fixed)
		assert.Empty(t, source.overwrites, "dry run must not write")
	})

	t.Run("per-user errors are counted not propagated", func(t *testing.T) {
		source := newFakeLedgerSource()
		source.users = []string{"u1", "broken", "u3"}
		source.truth = map[string]int{"u1": 1, "u3": 2}
		source.stored = map[string]int{"u1": 0, "u3": 2}
		source.truthErr["broken"] = errors.New("table scan failed")

		r := NewReconciler(source, testLogger(), 1)
		result, err := r.Reconcile(context.Background(), period, false)
		require.NoError(t, err)

		assert.Equal(t, 3, result.TotalUsers)
		assert.Equal(t, 1, result.Fixed)
		assert.Equal(t, 1, result.Errors)
		assert.Equal(t, map[string]int{"u1": 1}, source.overwrites)
	})

	t.Run("no active users is a clean no-op", func(t *testing.T) {
		source := newFakeLedgerSource()

		r := NewReconciler(source, testLogger(), 4)
		result, err := r.Reconcile(context.Background(), period, false)
		require.NoError(t, err)
		assert.Equal(t, 0, result.TotalUsers)
		assert.Equal(t, 0, result.Fixed)
	})
}
