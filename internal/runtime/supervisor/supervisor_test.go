package supervisor_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"crawlerd/internal/runtime/supervisor"
)

func TestMain(m *testing.M) { goleak.VerifyTestMain(m) }

func TestGoRecordsFirstError(t *testing.T) {
	s := supervisor.New(context.Background())
	boom := errors.New("boom")
	s.Go("a", func(ctx context.Context) error { return boom })
	s.Go("b", func(ctx context.Context) error { return context.Canceled })

	err := s.Wait(t.Context())
	require.ErrorIs(t, err, boom)
	require.Contains(t, err.Error(), "a: boom")
}

func TestPanicIsRecovered(t *testing.T) {
	s := supervisor.New(context.Background(), supervisor.WithCancelOnError(true))
	s.Go0("p", func(ctx context.Context) { panic("nope") })
	s.Go0("waiter", func(ctx context.Context) { <-ctx.Done() })

	err := s.Wait(t.Context())
	require.ErrorContains(t, err, "panic: nope")
	require.ErrorContains(t, err, "p: ")
}

func TestStopCancelsContext(t *testing.T) {
	s := supervisor.New(context.Background())
	s.Go0("loop", func(ctx context.Context) { <-ctx.Done() })

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestWaitHonoursDeadline(t *testing.T) {
	s := supervisor.New(context.Background())
	release := make(chan struct{})
	s.Go0("stuck", func(ctx context.Context) { <-release })

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, s.Wait(t.Context()))
}

func TestGoRestart(t *testing.T) {
	s := supervisor.New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, time.Millisecond, 5*time.Millisecond)

	require.NoError(t, s.Wait(t.Context()))
	require.Equal(t, int32(3), runs.Load())
}

func TestGoRestartRecoversPanics(t *testing.T) {
	s := supervisor.New(context.Background())
	var runs atomic.Int32
	s.GoRestart("watch", func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			panic("watcher broke")
		}
		<-ctx.Done()
		return nil
	}, time.Millisecond, 5*time.Millisecond)

	require.Eventually(t, func() bool { return runs.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop(t.Context()))
}
