package sched

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopRunsTasksInOrder(t *testing.T) {
	loop := New()
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		loop.Add(func() { order = append(order, i) })
	}
	loop.Add(func() {
		loop.Add(func() { order = append(order, 99) })
	})

	assert.Equal(t, 5, loop.RunUntilIdle())
	assert.Equal(t, []int{0, 1, 2, 99}, order)
	assert.Zero(t, loop.Pending())
}

func TestTaskCancel(t *testing.T) {
	loop := New()
	ran := false
	task := loop.Add(func() { ran = true })

	assert.True(t, task.Cancel())
	assert.False(t, task.Cancel(), "second cancel must report false")
	loop.RunUntilIdle()
	assert.False(t, ran)

	done := loop.Add(func() {})
	loop.RunUntilIdle()
	assert.False(t, done.Cancel(), "cancel after run must report false")
}

func TestAddDelayedRunsOnLoop(t *testing.T) {
	loop := New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fired := make(chan time.Duration, 1)
	start := time.Now()
	loop.AddDelayed(20*time.Millisecond, func() {
		fired <- time.Since(start)
		loop.Shutdown()
	})

	err := loop.Run(ctx)
	require.True(t, errors.Is(err, ErrLoopStopped), "unexpected error: %v", err)
	elapsed := <-fired
	assert.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
}

func TestCancelledDelayedTaskNeverRuns(t *testing.T) {
	loop := New()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	ran := false
	task := loop.AddDelayed(10*time.Millisecond, func() { ran = true })
	require.True(t, task.Cancel())

	err := loop.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, ran)
}

func TestAddFromOtherGoroutine(t *testing.T) {
	loop := New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan int, 1)
	go func() {
		loop.Add(func() {
			got <- 7
			loop.Shutdown()
		})
	}()
	_ = loop.Run(ctx)
	assert.Equal(t, 7, <-got)
}

func TestValueIsPerLoopAndDroppedOnShutdown(t *testing.T) {
	type key struct{}
	a, b := New(), New()
	created := 0
	create := func() any { created++; return created }

	assert.Equal(t, 1, a.Value(key{}, create))
	assert.Equal(t, 1, a.Value(key{}, create), "stored value is reused")
	assert.Equal(t, 2, b.Value(key{}, create), "each loop has its own values")

	a.Shutdown()
	a.mu.Lock()
	assert.Nil(t, a.values)
	a.mu.Unlock()
}
