package queue

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Source yields task IDs
type Source interface {
	Dequeue(ctx context.Context, timeout time.Duration) (string, error)
}

// Executor runs one task
type Executor interface {
	Execute(ctx context.Context, taskID string) error
}

// DispatcherConfig holds the configuration for the dispatcher
type DispatcherConfig struct {
	Source      Source
	Executor    Executor
	Logger      *logrus.Entry
	Concurrency int
	PollTimeout time.Duration
	RetryDelay  time.Duration
}

// Dispatcher runs a fixed pool of workers pulling task IDs from a Source. A
// task already executing in this process is not started twice.
type Dispatcher struct {
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	source      Source
	executor    Executor
	logger      *logrus.Entry
	concurrency int
	pollTimeout time.Duration
	retryDelay  time.Duration

	mu      sync.Mutex
	running map[string]struct{}
}

// NewDispatcher creates a dispatcher
func NewDispatcher(cfg *DispatcherConfig) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		ctx:         ctx,
		cancel:      cancel,
		source:      cfg.Source,
		executor:    cfg.Executor,
		logger:      cfg.Logger.WithField("component", "task-dispatcher"),
		concurrency: cfg.Concurrency,
		pollTimeout: cfg.PollTimeout,
		retryDelay:  cfg.RetryDelay,
		running:     make(map[string]struct{}),
	}
	if d.concurrency < 1 {
		d.concurrency = 1
	}
	if d.pollTimeout <= 0 {
		d.pollTimeout = 5 * time.Second
	}
	if d.retryDelay <= 0 {
		d.retryDelay = time.Second
	}
	return d
}

// Start launches the workers
func (d *Dispatcher) Start() {
	d.logger.Infof("Starting task dispatcher with %d workers...", d.concurrency)
	for i := 0; i < d.concurrency; i++ {
		d.wg.Add(1)
		go d.work(i)
	}
}

// Stop cancels in-flight runs and waits for the workers to exit. Interrupted
// runs resume from their checkpoint on the next start.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
	d.logger.Info("Task dispatcher stopped")
}

func (d *Dispatcher) work(id int) {
	defer d.wg.Done()
	log := d.logger.WithField("worker", id)

	for d.ctx.Err() == nil {
		taskID, err := d.source.Dequeue(d.ctx, d.pollTimeout)
		if err != nil {
			if d.ctx.Err() != nil {
				return
			}
			log.WithError(err).Error("Failed to dequeue task")
			select {
			case <-time.After(d.retryDelay):
			case <-d.ctx.Done():
				return
			}
			continue
		}
		if taskID == "" {
			continue
		}
		d.run(log, taskID)
	}
}

func (d *Dispatcher) run(log *logrus.Entry, taskID string) {
	log = log.WithField("task_id", taskID)
	if !d.acquire(taskID) {
		log.Debug("Task already running in this process, dropping duplicate")
		return
	}
	defer d.release(taskID)
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Task run panicked: %v", r)
		}
	}()

	if err := d.executor.Execute(d.ctx, taskID); err != nil {
		log.WithError(err).Warn("Task run ended with error")
	}
}

func (d *Dispatcher) acquire(taskID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.running[taskID]; ok {
		return false
	}
	d.running[taskID] = struct{}{}
	return true
}

func (d *Dispatcher) release(taskID string) {
	d.mu.Lock()
	delete(d.running, taskID)
	d.mu.Unlock()
}
