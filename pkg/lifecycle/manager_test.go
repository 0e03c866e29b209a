package lifecycle

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goim-realtime/pkg/logger"
)

var testLogger = logger.NewKratosStdLogger("lifecycle-test", "test")

type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, s)
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func hook(rec *recorder, name string, priority int) Hook {
	return Hook{
		Name:     name,
		Priority: priority,
		OnStart: func(context.Context) error {
			rec.add("start:" + name)
			return nil
		},
		OnStop: func(context.Context) error {
			rec.add("stop:" + name)
			return nil
		},
	}
}

func TestStartStopOrder(t *testing.T) {
	rec := &recorder{}
	lm := NewLifecycleManager(testLogger)
	lm.AddHook(hook(rec, "gateway", 200))
	lm.AddHook(hook(rec, "redis", 10))
	lm.AddHook(hook(rec, "presence", 100))

	require.NoError(t, lm.Start())
	require.NoError(t, lm.Stop())

	assert.Equal(t, []string{
		"start:redis", "start:presence", "start:gateway",
		"stop:gateway", "stop:presence", "stop:redis",
	}, rec.get())
	assert.False(t, lm.IsRunning())
	assert.Error(t, lm.Context().Err())

	// 重复停止是空操作
	require.NoError(t, lm.Stop())
	assert.Len(t, rec.get(), 6)
}

func TestStartFailureRollsBack(t *testing.T) {
	rec := &recorder{}
	lm := NewLifecycleManager(testLogger)
	lm.AddHook(hook(rec, "redis", 10))
	lm.AddHook(Hook{
		Name:     "broken",
		Priority: 20,
		OnStart:  func(context.Context) error { return errors.New("boom") },
	})
	lm.AddHook(hook(rec, "gateway", 200))

	err := lm.Start()
	require.Error(t, err)
	assert.Equal(t, []string{"start:redis", "stop:redis"}, rec.get())
}

func TestStopReturnsFirstError(t *testing.T) {
	lm := NewLifecycleManager(testLogger)
	lm.AddHook(Hook{Name: "a", Priority: 1, OnStop: func(context.Context) error { return errors.New("a") }})
	lm.AddHook(Hook{Name: "b", Priority: 2, OnStop: func(context.Context) error { return errors.New("b") }})

	err := lm.Stop()
	require.Error(t, err)
	assert.Equal(t, "b", err.Error())
}

func TestWaitOn_SignalStops(t *testing.T) {
	rec := &recorder{}
	lm := NewLifecycleManager(testLogger)
	lm.AddHook(hook(rec, "gateway", 200))

	sig := make(chan os.Signal, 2)
	sig <- syscall.SIGTERM
	lm.waitOn(sig)

	assert.Equal(t, []string{"stop:gateway"}, rec.get())
	assert.False(t, lm.IsRunning())
}

func TestWaitOn_SecondSignalForcesExit(t *testing.T) {
	release := make(chan struct{})
	lm := NewLifecycleManager(testLogger)
	lm.AddHook(Hook{
		Name: "slow-drain",
		OnStop: func(context.Context) error {
			<-release
			return nil
		},
	})

	exitCode := make(chan int, 1)
	lm.exit = func(code int) { exitCode <- code }

	sig := make(chan os.Signal, 2)
	sig <- syscall.SIGTERM
	sig <- syscall.SIGINT

	done := make(chan struct{})
	go func() {
		lm.waitOn(sig)
		close(done)
	}()

	select {
	case code := <-exitCode:
		assert.Equal(t, 1, code)
	case <-time.After(2 * time.Second):
		t.Fatal("second signal did not force exit")
	}

	close(release)
	<-done
}

func TestStopTimeoutBoundsHooks(t *testing.T) {
	lm := NewLifecycleManager(testLogger)
	lm.SetStopTimeout(50 * time.Millisecond)
	lm.AddHook(Hook{
		Name: "wait-ctx",
		OnStop: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})

	start := time.Now()
	err := lm.Stop()
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}
