package workq_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/gvnic/workq"
)

func TestEnqueueCoalesces(t *testing.T) {
	var n int
	task := workq.New("test", false, func() { n++ })

	assert.False(t, task.RunPending())
	task.Enqueue()
	task.Enqueue()
	task.Enqueue()
	assert.True(t, task.Pending())
	assert.True(t, task.RunPending())
	assert.False(t, task.RunPending())
	assert.Equal(t, 1, n)
	assert.Equal(t, uint64(1), task.Runs())
}

func TestEnqueueWhileRunningRerunsOnce(t *testing.T) {
	var task *workq.Task
	var n int
	task = workq.New("test", false, func() {
		n++
		if n == 1 {
			task.Enqueue()
			task.Enqueue()
		}
	})
	task.Enqueue()
	for task.RunPending() {
	}
	assert.Equal(t, 2, n)
}

func TestGroupRunsAndStops(t *testing.T) {
	var runs atomic.Int32
	done := make(chan struct{}, 16)
	task := workq.New("test", true, func() {
		runs.Add(1)
		done <- struct{}{}
	})

	g := workq.Start(context.Background(), task)
	task.Enqueue()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not run")
	}
	require.NoError(t, g.Stop())
	assert.Equal(t, int32(1), runs.Load())
}
