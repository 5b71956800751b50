package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
)

var ErrStopped = errors.New("supervisor stopped")

// Task is a long-lived unit of work. Run blocks until ctx is cancelled,
// returning nil, or until it fails.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Supervisor runs a fixed set of tasks for the life of the process. The
// first task failure cancels the rest; restarting is left to whatever runs
// the process.
type Supervisor struct {
	name   string
	logger *logrus.Entry

	lock    sync.Mutex
	tasks   []Task
	running bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

func NewSupervisor(name string, logger *logrus.Entry) *Supervisor {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Supervisor{
		name:   name,
		logger: logger.WithField("supervisor", name),
		done:   make(chan struct{}),
	}
}

func (s *Supervisor) Name() string { return s.name }

// IsRunning reports whether tasks are still executing.
func (s *Supervisor) IsRunning() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.running
}

// Add registers a task. Tasks added after Start are rejected.
func (s *Supervisor) Add(tasks ...Task) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.cancel != nil || s.stopped {
		return fmt.Errorf("%s: add after start: %w", s.name, ErrStopped)
	}
	s.tasks = append(s.tasks, tasks...)
	return nil
}

// Start launches every task under ctx and returns immediately.
func (s *Supervisor) Start(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.cancel != nil {
		return nil
	}
	s.running = true

	ctx, s.cancel = context.WithCancel(ctx)

	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	for _, task := range s.tasks {
		p.Go(func(ctx context.Context) error {
			return s.run(ctx, task)
		})
	}

	go func() {
		err := p.Wait()

		s.lock.Lock()
		s.err = err
		s.running = false
		s.lock.Unlock()

		close(s.done)
	}()

	return nil
}

func (s *Supervisor) run(ctx context.Context, task Task) (err error) {
	log := s.logger.WithField("task", task.Name)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.Name, r)
		}

		switch {
		case err != nil:
			log.Errorf("task failed after %s: %v", time.Since(start).Round(time.Millisecond), err)
		default:
			log.Infof("task stopped after %s", time.Since(start).Round(time.Millisecond))
		}
	}()

	log.Info("task started")

	err = task.Run(ctx)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = nil
	}
	if err != nil {
		err = fmt.Errorf("task %s: %w", task.Name, err)
	}
	return err
}

// Done is closed once every task has returned.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Wait blocks until every task has returned and reports the first failure.
func (s *Supervisor) Wait() error {
	<-s.done

	s.lock.Lock()
	defer s.lock.Unlock()
	return s.err
}

// Stop cancels all tasks and waits for them to release their resources.
func (s *Supervisor) Stop() error {
	s.lock.Lock()
	wasStarted := s.cancel != nil
	s.stopped = true
	if s.cancel != nil {
		s.cancel()
	}
	s.lock.Unlock()

	if !wasStarted {
		return nil
	}
	return s.Wait()
}
