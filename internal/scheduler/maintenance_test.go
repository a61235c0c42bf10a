package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestMaintenance_AddAndRunNow(t *testing.T) {
	m := NewMaintenance(zaptest.NewLogger(t))
	defer m.Stop()

	var runs atomic.Int32
	require.NoError(t, m.Add("sweep", "0 0 * * * *", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}))

	_, ok := m.LastRun("sweep")
	assert.False(t, ok)

	require.NoError(t, m.RunNow("sweep"))
	assert.Equal(t, int32(1), runs.Load())

	last, ok := m.LastRun("sweep")
	require.True(t, ok)
	assert.WithinDuration(t, time.Now(), last, time.Second)
}

func TestMaintenance_Errors(t *testing.T) {
	m := NewMaintenance(zaptest.NewLogger(t))
	defer m.Stop()

	noop := func(ctx context.Context) error { return nil }

	assert.Error(t, m.Add("bad", "not a cron spec", noop))
	require.NoError(t, m.Add("prune", "0 0 * * * *", noop))
	assert.Error(t, m.Add("prune", "0 0 * * * *", noop))
	assert.Error(t, m.RunNow("missing"))
}

func TestMaintenance_FailedJobDoesNotRecordRun(t *testing.T) {
	m := NewMaintenance(zaptest.NewLogger(t))
	defer m.Stop()

	require.NoError(t, m.Add("refresh", "0 0 * * * *", func(ctx context.Context) error {
		return errors.New("store unavailable")
	}))
	require.NoError(t, m.RunNow("refresh"))

	_, ok := m.LastRun("refresh")
	assert.False(t, ok)
}

func TestMaintenance_ScheduledRun(t *testing.T) {
	m := NewMaintenance(zaptest.NewLogger(t))

	done := make(chan struct{}, 1)
	require.NoError(t, m.Add("every-second", "* * * * * *", func(ctx context.Context) error {
		select {
		case done <- struct{}{}:
		default:
		}
		return nil
	}))
	m.Start()
	defer m.Stop()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not run")
	}
}
