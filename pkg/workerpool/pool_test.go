package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	return cfg
}

func TestPool_RunWaitsForAllTasks(t *testing.T) {
	p := New(testConfig(), nil)
	p.Start()
	defer p.Stop()

	var n int64
	tasks := map[string]Task{}
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		tasks[name] = func(context.Context) error {
			atomic.AddInt64(&n, 1)
			return nil
		}
	}
	require.NoError(t, p.Run(context.Background(), tasks))
	assert.Equal(t, int64(5), atomic.LoadInt64(&n))
	assert.Equal(t, int64(5), p.Stats().Completed)
}

func TestPool_RetriesThenSucceeds(t *testing.T) {
	p := New(testConfig(), nil)
	p.Start()
	defer p.Stop()

	var attempts int64
	ch, err := p.Submit(context.Background(), "flaky", func(context.Context) error {
		if atomic.AddInt64(&attempts, 1) < 3 {
			return errors.New("try again")
		}
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, <-ch)
	assert.Equal(t, int64(3), atomic.LoadInt64(&attempts))
	assert.Equal(t, int64(2), p.Stats().Retried)
}

func TestPool_RunJoinsFailures(t *testing.T) {
	p := New(testConfig(), nil)
	p.Start()
	defer p.Stop()

	boom := errors.New("boom")
	err := p.Run(context.Background(), map[string]Task{
		"ok":   func(context.Context) error { return nil },
		"fail": func(context.Context) error { return boom },
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "fail:")
	assert.Equal(t, int64(1), p.Stats().Failed)
}

func TestPool_SubmitAfterStop(t *testing.T) {
	p := New(testConfig(), nil)
	p.Start()
	p.Stop()

	_, err := p.Submit(context.Background(), "late", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrStopped)
}

func TestPool_QueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 1
	p := New(cfg, nil)
	// not started: the single slot fills and stays full

	_, err := p.Submit(context.Background(), "first", func(context.Context) error { return nil })
	require.NoError(t, err)
	_, err = p.Submit(context.Background(), "second", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrQueueFull)
}
