package task

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Create(t *testing.T) {
	reg := NewRegistry()
	a := reg.Create("local")
	b := reg.Create("local")

	assert.NotEqual(t, a.ID, b.ID)
	snap, err := reg.Snapshot(a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, snap.Status)
	assert.Equal(t, 0, snap.Progress)
	assert.Equal(t, "task created", snap.Stage)
	assert.Nil(t, snap.Detail)

	_, err = reg.Snapshot("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_ProgressIsClampedAndMonotonic(t *testing.T) {
	reg := NewRegistry()
	id := reg.Create("local").ID
	require.True(t, reg.Start(id))

	reg.SetProgress(id, 40, "downloading")
	reg.SetProgress(id, 20, "late update")
	snap, _ := reg.Snapshot(id)
	assert.Equal(t, 40, snap.Progress)
	assert.Equal(t, "late update", snap.Stage)

	reg.SetProgress(id, 250, "overflow")
	snap, _ = reg.Snapshot(id)
	assert.Equal(t, 100, snap.Progress)

	reg.Update(id, func(s *Snapshot) {
		s.Progress = -5
		s.Status = StatusSuccess
		s.ID = "hijacked"
	})
	snap, err := reg.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, 100, snap.Progress)
	assert.Equal(t, StatusRunning, snap.Status)
}

func TestRegistry_UnknownIDsAreIgnored(t *testing.T) {
	reg := NewRegistry()
	assert.NotPanics(t, func() {
		reg.SetProgress("missing", 10, "x")
		reg.Update("missing", func(s *Snapshot) { s.Stage = "x" })
	})
	assert.False(t, reg.Start("missing"))
	assert.False(t, reg.Finish("missing", Outcome{Status: StatusSuccess}))
	assert.False(t, reg.CancelRequested("missing"))
}

func TestRegistry_FinishIsFinal(t *testing.T) {
	reg := NewRegistry()
	id := reg.Create("local").ID
	reg.Start(id)

	assert.False(t, reg.Finish(id, Outcome{Status: StatusRunning}))
	assert.True(t, reg.Finish(id, Outcome{Status: StatusSuccess, Code: 200, Content: "done"}))
	assert.False(t, reg.Finish(id, Outcome{Status: StatusFailed, Code: 500, Detail: "late"}))

	reg.SetProgress(id, 10, "after the fact")
	snap, _ := reg.Snapshot(id)
	assert.Equal(t, StatusSuccess, snap.Status)
	assert.Equal(t, "done", snap.Content)
	assert.Equal(t, "completed", snap.Stage)
	assert.Equal(t, 100, snap.Progress)
	assert.Nil(t, snap.Detail)
}

func TestRegistry_RequestCancel(t *testing.T) {
	reg := NewRegistry()
	id := reg.Create("local").ID
	reg.Start(id)

	ctx, cancel := context.WithCancel(context.Background())
	reg.bindCancel(id, cancel)

	status, err := reg.RequestCancel(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceling, status)
	assert.ErrorIs(t, ctx.Err(), context.Canceled)

	snap, _ := reg.Snapshot(id)
	assert.True(t, snap.CancelRequested)
	assert.Equal(t, "canceling", snap.Stage)
	assert.Equal(t, StatusRunning, snap.Status)

	// Stage updates while canceling do not hide the cancel acknowledgement.
	reg.SetProgress(id, 50, "still working")
	snap, _ = reg.Snapshot(id)
	assert.Equal(t, "canceling", snap.Stage)
	assert.Equal(t, 50, snap.Progress)

	status, err = reg.RequestCancel(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceling, status)

	reg.Finish(id, Outcome{Status: StatusCanceled, Code: CodeCanceled, Detail: ErrCanceled.Error()})
	status, err = reg.RequestCancel(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, status)

	_, err = reg.RequestCancel("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_BindCancelAfterRequest(t *testing.T) {
	reg := NewRegistry()
	id := reg.Create("local").ID
	_, err := reg.RequestCancel(id)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	reg.bindCancel(id, cancel)
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestRegistry_Sweep(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	reg := NewRegistry()
	reg.now = func() time.Time { return now }

	done := reg.Create("local").ID
	live := reg.Create("local").ID
	reg.Start(done)
	reg.Finish(done, Outcome{Status: StatusSuccess, Code: 200, Content: "x"})

	now = now.Add(2 * time.Hour)
	assert.Equal(t, 1, reg.Sweep(time.Hour))

	_, err := reg.Snapshot(done)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = reg.Snapshot(live)
	assert.NoError(t, err)
	assert.Len(t, reg.List(), 1)
}

func TestRegistry_ProcessTime(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	reg := NewRegistry()
	reg.now = func() time.Time { return now }

	id := reg.Create("local").ID
	now = now.Add(1500 * time.Millisecond)
	reg.Finish(id, Outcome{Status: StatusFailed, Code: 502, Detail: "boom"})

	snap, _ := reg.Snapshot(id)
	assert.InDelta(t, 1.5, snap.ProcessTime, 1e-9)
	require.NotNil(t, snap.Detail)
	assert.Equal(t, "boom", *snap.Detail)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	id := reg.Create("local").ID
	reg.Start(id)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for p := 0; p <= 100; p++ {
				reg.SetProgress(id, p, "working")
				if w == 0 && p == 50 {
					_, _ = reg.RequestCancel(id)
				}
				_, _ = reg.Snapshot(id)
			}
		}(w)
	}

	last := 0
	for i := 0; i < 200; i++ {
		snap, err := reg.Snapshot(id)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, snap.Progress, last)
		last = snap.Progress
	}
	wg.Wait()

	snap, _ := reg.Snapshot(id)
	assert.Equal(t, 100, snap.Progress)
	assert.True(t, snap.CancelRequested)
}
