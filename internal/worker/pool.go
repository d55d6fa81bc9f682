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
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"metricproxy.io/metric-proxy-go/internal/util/logger"
)

var (
	ErrPoolStopped = errors.New("worker pool is shutting down")
	ErrQueueFull   = errors.New("task queue is full, rejecting task")
)

// Task is a unit of work run by the pool. Execute must return once ctx is
// done.
type Task interface {
	Name() string
	Execute(ctx context.Context) error
	Timeout() time.Duration
}

// TaskFunc adapts a function to Task.
type TaskFunc struct {
	TaskName    string
	Fn          func(ctx context.Context) error
	TaskTimeout time.Duration
}

func (t TaskFunc) Name() string                      { return t.TaskName }
func (t TaskFunc) Execute(ctx context.Context) error { return t.Fn(ctx) }
func (t TaskFunc) Timeout() time.Duration            { return t.TaskTimeout }

// Pool runs submitted tasks on a fixed set of goroutines.
type Pool struct {
	size      int
	taskQueue chan Task

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	stats Stats

	logger logger.Logger
}

type PoolConfig struct {
	Size      int
	QueueSize int
}

type Stats struct {
	ActiveWorkers  int64 `json:"activeWorkers"`
	QueuedTasks    int64 `json:"queuedTasks"`
	CompletedTasks int64 `json:"completedTasks"`
	FailedTasks    int64 `json:"failedTasks"`
	RejectedTasks  int64 `json:"rejectedTasks"`
	TotalSubmitted int64 `json:"totalSubmitted"`
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Size:      max(2, runtime.NumCPU()),
		QueueSize: 256,
	}
}

func NewPool(config PoolConfig, log logger.Logger) *Pool {

	def := DefaultPoolConfig()
	if config.Size <= 0 {
		config.Size = def.Size
	}
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		size:      config.Size,
		taskQueue: make(chan Task, config.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
		logger:    log.WithName("worker-pool"),
	}
}

func (p *Pool) Start() {

	p.logger.Info("starting worker pool", "size", p.size, "queue", cap(p.taskQueue))
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		atomic.AddInt64(&p.stats.ActiveWorkers, 1)
		go p.run(i)
	}
}

// Stop cancels running tasks and waits for the workers to exit. Queued
// tasks are dropped.
func (p *Pool) Stop() {

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

// Submit queues task without blocking.
func (p *Pool) Submit(task Task) error {

	p.mu.RLock()
	defer p.mu.RUnlock()

	atomic.AddInt64(&p.stats.TotalSubmitted, 1)
	if p.stopped {
		atomic.AddInt64(&p.stats.RejectedTasks, 1)
		return ErrPoolStopped
	}

	select {
	case p.taskQueue <- task:
		atomic.AddInt64(&p.stats.QueuedTasks, 1)
		return nil
	default:
		atomic.AddInt64(&p.stats.RejectedTasks, 1)
		return ErrQueueFull
	}
}

func (p *Pool) GetStats() Stats {
	return Stats{
		ActiveWorkers:  atomic.LoadInt64(&p.stats.ActiveWorkers),
		QueuedTasks:    int64(len(p.taskQueue)),
		CompletedTasks: atomic.LoadInt64(&p.stats.CompletedTasks),
		FailedTasks:    atomic.LoadInt64(&p.stats.FailedTasks),
		RejectedTasks:  atomic.LoadInt64(&p.stats.RejectedTasks),
		TotalSubmitted: atomic.LoadInt64(&p.stats.TotalSubmitted),
	}
}

func (p *Pool) run(id int) {

	defer func() {
		atomic.AddInt64(&p.stats.ActiveWorkers, -1)
		p.wg.Done()
	}()

	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-p.taskQueue:
			atomic.AddInt64(&p.stats.QueuedTasks, -1)
			if err := p.execute(task); err != nil {
				atomic.AddInt64(&p.stats.FailedTasks, 1)
				p.logger.V(1).Info("task failed", "worker", id, "task", task.Name(), "error", err.Error())
			}
			atomic.AddInt64(&p.stats.CompletedTasks, 1)
		}
	}
}

func (p *Pool) execute(task Task) (err error) {

	defer func() {
		if r := recover(); r != nil {
			p.logger.Info("task panic recovered", "task", task.Name(), "panic", r)
			err = errors.New("task panicked")
		}
	}()

	timeout := task.Timeout()
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()

	return task.Execute(ctx)
}
