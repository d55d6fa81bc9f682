// Licensed to the Apache Software Foundation (ASF) under one
// or more contributor license agreements.  See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership.  The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License.  You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metricproxy.io/metric-proxy-go/internal/util/logger"
)

func TestPoolRunsTasks(t *testing.T) {
	pool := NewPool(PoolConfig{Size: 4, QueueSize: 64}, logger.Discard())
	pool.Start()
	defer pool.Stop()

	var (
		wg    sync.WaitGroup
		count atomic.Int64
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		require.NoError(t, pool.Submit(TaskFunc{
			TaskName: "inc",
			Fn: func(ctx context.Context) error {
				defer wg.Done()
				count.Add(1)
				return nil
			},
		}))
	}
	wg.Wait()
	assert.Equal(t, int64(50), count.Load())
	assert.Eventually(t, func() bool { return pool.GetStats().CompletedTasks == 50 }, time.Second, 10*time.Millisecond)
}

func TestTaskTimeoutCancelsContext(t *testing.T) {
	pool := NewPool(PoolConfig{Size: 1, QueueSize: 1}, logger.Discard())
	pool.Start()
	defer pool.Stop()

	done := make(chan error, 1)
	require.NoError(t, pool.Submit(TaskFunc{
		TaskName:    "slow",
		TaskTimeout: 20 * time.Millisecond,
		Fn: func(ctx context.Context) error {
			<-ctx.Done()
			done <- ctx.Err()
			return ctx.Err()
		},
	}))

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	case <-time.After(2 * time.Second):
		t.Fatal("task was not cancelled")
	}
	assert.Eventually(t, func() bool { return pool.GetStats().FailedTasks == 1 }, time.Second, 10*time.Millisecond)
}

func TestSubmitRejects(t *testing.T) {
	pool := NewPool(PoolConfig{Size: 1, QueueSize: 1}, logger.Discard())

	// not started: the queue fills up
	noop := TaskFunc{TaskName: "noop", Fn: func(context.Context) error { return nil }}
	require.NoError(t, pool.Submit(noop))
	assert.ErrorIs(t, pool.Submit(noop), ErrQueueFull)

	pool.Start()
	pool.Stop()
	assert.ErrorIs(t, pool.Submit(noop), ErrPoolStopped)
	assert.Equal(t, int64(2), pool.GetStats().RejectedTasks)
}

func TestPanicIsRecovered(t *testing.T) {
	pool := NewPool(PoolConfig{Size: 1, QueueSize: 4}, logger.Discard())
	pool.Start()
	defer pool.Stop()

	require.NoError(t, pool.Submit(TaskFunc{TaskName: "boom", Fn: func(context.Context) error { panic("boom") }}))

	ran := make(chan struct{})
	require.NoError(t, pool.Submit(TaskFunc{TaskName: "after", Fn: func(context.Context) error { close(ran); return nil }}))
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("worker died after panic")
	}
}
