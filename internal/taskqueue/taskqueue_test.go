package taskqueue

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetReturnsFirstFinished(t *testing.T) {
	q := New()
	q.Go("slow", false, nil, func() (interface{}, error) {
		time.Sleep(50 * time.Millisecond)
		return "slow-done", nil
	})
	q.Go("fast", false, nil, func() (interface{}, error) {
		return "fast-done", nil
	})

	first := q.Get()
	require.Equal(t, "fast", first.Name)
	require.Equal(t, "fast-done", first.Value)

	second := q.Get()
	require.Equal(t, "slow", second.Name)
}

func TestGetCarriesError(t *testing.T) {
	q := New()
	wantErr := errors.New("boom")
	q.Go("task", false, map[string]interface{}{"remote": "r1"}, func() (interface{}, error) {
		return nil, wantErr
	})

	r := q.Get()
	require.ErrorIs(t, r.Err, wantErr)
	require.Equal(t, "r1", r.Tags["remote"])
}

func TestTryGetNonBlocking(t *testing.T) {
	q := New()
	_, ok := q.TryGet()
	require.False(t, ok)

	q.Go("task", false, nil, func() (interface{}, error) { return nil, nil })
	q.Join()

	_, ok = q.TryGet()
	require.True(t, ok)
}

func TestJoinIgnoresDaemonTasks(t *testing.T) {
	q := New()
	started := make(chan struct{})
	release := make(chan struct{})
	q.Go("daemon", true, nil, func() (interface{}, error) {
		close(started)
		<-release
		return nil, nil
	})
	<-started

	done := make(chan struct{})
	go func() {
		q.Join()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("Join should not wait on daemon tasks")
	}
	close(release)
}

func TestPanicBecomesError(t *testing.T) {
	q := New()
	q.Go("panicky", false, nil, func() (interface{}, error) {
		panic("oh no")
	})
	r := q.Get()
	require.Error(t, r.Err)
}
