package lifecycle

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ttstudio/internal/common/apierr"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "deployments.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDeployThenStopKeepsTransitions(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rec, err := s.RecordStart(ctx, Record{ContainerID: "c1", ContainerName: "Llama-3.2-1B-Instruct", ModelName: "Llama-3.2-1B-Instruct", Device: "N150", Port: 7000})
	require.NoError(t, err)
	assert.NotZero(t, rec.ID)

	found, err := s.MarkStopped(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, found)

	got, err := s.Latest(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, got.Status)
	assert.True(t, got.StoppedByUser)
	require.NotNil(t, got.StoppedAt)
	require.Len(t, got.Transitions, 2)
	assert.Equal(t, StatusRunning, got.Transitions[0].Status)
	assert.Equal(t, StatusStopped, got.Transitions[1].Status)
	assert.Equal(t, 7000, got.Port)

	// a user stop is never reported as a death
	found, err = s.MarkTerminated(ctx, "c1", StatusExited)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStopAfterExitKeepsTerminalRecord(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	_, err := s.RecordStart(ctx, Record{ContainerID: "c1", ContainerName: "n", ModelName: "m"})
	require.NoError(t, err)
	found, err := s.MarkTerminated(ctx, "c1", StatusExited)
	require.NoError(t, err)
	require.True(t, found)

	found, err = s.MarkStopped(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, found)

	got, err := s.Latest(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, StatusExited, got.Status)
	assert.False(t, got.StoppedByUser)
	assert.Len(t, got.Transitions, 2)

	// a second user stop is a no-op too
	_, err = s.RecordStart(ctx, Record{ContainerID: "c2", ContainerName: "n", ModelName: "m"})
	require.NoError(t, err)
	found, err = s.MarkStopped(ctx, "c2")
	require.NoError(t, err)
	require.True(t, found)
	found, err = s.MarkStopped(ctx, "c2")
	require.NoError(t, err)
	assert.False(t, found)
	got, err = s.Latest(ctx, "c2")
	require.NoError(t, err)
	assert.Len(t, got.Transitions, 2)
}

func TestAtMostOneRunningPerContainer(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	for i := 0; i < 3; i++ {
		_, err := s.RecordStart(ctx, Record{ContainerID: "same", ContainerName: "n", ModelName: "m"})
		require.NoError(t, err)
	}
	running, err := s.Running(ctx)
	require.NoError(t, err)
	require.Len(t, running, 1)

	all, err := s.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	for _, r := range all[1:] {
		assert.Equal(t, StatusStopped, r.Status)
		assert.False(t, r.StoppedByUser)
	}
}

func TestDiedSinceWatermark(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	_, err := s.RecordStart(ctx, Record{ContainerID: "a", ContainerName: "a", ModelName: "m"})
	require.NoError(t, err)
	_, err = s.RecordStart(ctx, Record{ContainerID: "b", ContainerName: "b", ModelName: "m"})
	require.NoError(t, err)
	_, err = s.RecordStart(ctx, Record{ContainerID: "u", ContainerName: "u", ModelName: "m"})
	require.NoError(t, err)

	s.now = func() time.Time { return base.Add(time.Minute) }
	_, err = s.MarkTerminated(ctx, "a", StatusExited)
	require.NoError(t, err)
	_, err = s.MarkStopped(ctx, "u")
	require.NoError(t, err)
	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, err = s.MarkTerminated(ctx, "b", StatusDead)
	require.NoError(t, err)

	died, err := s.DiedSince(ctx, base)
	require.NoError(t, err)
	require.Len(t, died, 2)
	assert.Equal(t, "a", died[0].ContainerID)
	assert.Equal(t, StatusDead, died[1].Status)

	died, err = s.DiedSince(ctx, *died[0].StoppedAt)
	require.NoError(t, err)
	require.Len(t, died, 1)
	assert.Equal(t, "b", died[0].ContainerID)
}

func TestLatestNotFoundAndValidation(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	_, err := s.Latest(ctx, "nope")
	assert.True(t, apierr.IsNotFound(err))
	_, err = s.RecordStart(ctx, Record{})
	assert.True(t, apierr.IsValidation(err))
	_, err = s.MarkTerminated(ctx, "x", StatusRunning)
	assert.Error(t, err)
	found, err := s.MarkStopped(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			if _, err := s.RecordStart(ctx, Record{ContainerID: id, ContainerName: id, ModelName: "m"}); err != nil {
				errs <- err
				return
			}
			if _, err := s.MarkStopped(ctx, id); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent write: %v", err)
	}
	all, err := s.List(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}
