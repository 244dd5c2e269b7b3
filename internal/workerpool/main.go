// Worker pool with limited concurrency, backpressure, and retries of retryable errors.
package workerpool

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"go.r2bridge.org/internal/errorbehavior"
)

type jobActionFunc = func(workerID int, attempt int) error

type job struct {
	action  jobActionFunc
	id      int
	attempt int
}

type Pool struct {
	name            string
	workers         int
	retries         int
	retryDelay      time.Duration
	loggerInfo      *log.Logger
	loggerDebug     *log.Logger
	jobsQueue       chan job
	wgJobs          sync.WaitGroup
	wgWorkers       sync.WaitGroup
	nJobsProcessing int32
	nextJobID       int32
	stopOnce        sync.Once
	stopMu          sync.RWMutex
	stopped         bool
}

type poolConfig struct {
	name        string
	queueSize   int
	retries     int
	retryDelay  time.Duration
	loggerInfo  *log.Logger
	loggerDebug *log.Logger
}

func Name(s string) func(c *poolConfig) error {
	return func(c *poolConfig) error {
		c.name = s
		return nil
	}
}

// QueueSize sets how many jobs can wait before Submit blocks.
func QueueSize(n int) func(c *poolConfig) error {
	return func(c *poolConfig) error {
		if n < 0 {
			return fmt.Errorf("negative queue size %d", n)
		}
		c.queueSize = n
		return nil
	}
}

func Retries(n int) func(c *poolConfig) error {
	return func(c *poolConfig) error {
		if n < 0 {
			return fmt.Errorf("negative retries %d", n)
		}
		c.retries = n
		return nil
	}
}

func RetryDelay(d time.Duration) func(c *poolConfig) error {
	return func(c *poolConfig) error {
		c.retryDelay = d
		return nil
	}
}

func LoggerInfo(l *log.Logger) func(c *poolConfig) error {
	return func(c *poolConfig) error {
		c.loggerInfo = l
		return nil
	}
}

func LoggerDebug(l *log.Logger) func(c *poolConfig) error {
	return func(c *poolConfig) error {
		c.loggerDebug = l
		return nil
	}
}

func NewPool(workers int, options ...func(*poolConfig) error) (*Pool, error) {
	// default configuration
	config := poolConfig{
		name:       "pool",
		queueSize:  64,
		retryDelay: time.Second,
	}
	for _, option := range options {
		err := option(&config)
		if err != nil {
			return nil, fmt.Errorf("config error: %s", err)
		}
	}
	if workers <= 0 {
		return nil, fmt.Errorf("workers = %d", workers)
	}
	p := Pool{
		name:        config.name,
		workers:     workers,
		retries:     config.retries,
		retryDelay:  config.retryDelay,
		loggerInfo:  config.loggerInfo,
		loggerDebug: config.loggerDebug,
		jobsQueue:   make(chan job, config.queueSize),
	}
	for i := 0; i < p.workers; i++ {
		p.wgWorkers.Add(1)
		go p.worker(i)
	}
	return &p, nil
}

// Submit queues j. It blocks while the queue is full and returns false if the pool is stopped.
func (p *Pool) Submit(j jobActionFunc) bool {
	p.stopMu.RLock()
	if p.stopped {
		p.stopMu.RUnlock()
		return false
	}
	p.wgJobs.Add(1)
	p.stopMu.RUnlock()
	id := int(atomic.AddInt32(&p.nextJobID, 1))
	select {
	case p.jobsQueue <- job{action: j, id: id}:
	default:
		p.debugf("[workerpool/%s/Submit] queue full (%d) - blocking job%d", p.name, cap(p.jobsQueue), id)
		p.jobsQueue <- job{action: j, id: id}
	}
	return true
}

// StopAndWait stops accepting jobs and waits for queued jobs, including their retries.
func (p *Pool) StopAndWait() {
	p.stopOnce.Do(func() {
		p.stopMu.Lock()
		p.stopped = true
		p.stopMu.Unlock()
		p.debugf("[workerpool/%s/StopAndWait] waiting for all jobs to finish", p.name)
		p.wgJobs.Wait()
		close(p.jobsQueue)
		p.wgWorkers.Wait()
		p.debugf("[workerpool/%s/StopAndWait] finished", p.name)
	})
}

// Processing returns the number of jobs currently running.
func (p *Pool) Processing() int {
	return int(atomic.LoadInt32(&p.nJobsProcessing))
}

func (p *Pool) worker(id int) {
	defer p.wgWorkers.Done()
	for j := range p.jobsQueue {
		atomic.AddInt32(&p.nJobsProcessing, 1)
		err := j.action(id, j.attempt)
		atomic.AddInt32(&p.nJobsProcessing, -1)
		if err != nil && errorbehavior.IsRetryable(err) && j.attempt < p.retries {
			p.debugf("[workerpool/%s/worker%d] job%d attempt %d failed with retryable error: %s", p.name, id, j.id, j.attempt, err)
			j.attempt++
			// requeue from a goroutine so a full queue cannot block the worker that drains it
			go func(j job) {
				time.Sleep(p.retryDelay)
				p.jobsQueue <- j
			}(j)
			continue
		}
		if err != nil && p.loggerInfo != nil {
			p.loggerInfo.Printf("[workerpool/%s/worker%d] job%d failed after %d attempt(s): %s\n", p.name, id, j.id, j.attempt+1, err)
		}
		p.wgJobs.Done()
	}
	p.debugf("[workerpool/%s/worker%d] finished", p.name, id)
}

func (p *Pool) debugf(format string, v ...interface{}) {
	if p.loggerDebug != nil {
		p.loggerDebug.Printf(format+"\n", v...)
	}
}
