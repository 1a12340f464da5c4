package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Processor runs one claimed event
type Processor interface {
	Process(ctx context.Context, eventID string) error
}

// ManagerOptions sizes the worker pool
type ManagerOptions struct {
	Workers   int
	QueueSize int
	// Inline runs each submission on the caller's goroutine
	Inline bool
	Logger *logrus.Logger
}

// Manager runs claimed events on a bounded pool of workers.
// An event is never queued twice while it is queued or running.
type Manager struct {
	processor Processor
	opts      ManagerOptions
	log       *logrus.Logger

	queue        chan string
	running      map[string]struct{}
	runningMutex gosync.Mutex
	wg           gosync.WaitGroup
	cancel       context.CancelFunc
	started      bool
}

// NewManager creates a worker manager
func NewManager(p Processor, opts ManagerOptions) *Manager {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Manager{
		processor: p,
		opts:      opts,
		log:       opts.Logger,
		queue:     make(chan string, opts.QueueSize),
		running:   make(map[string]struct{}),
	}
}

// Start launches the workers. They stop when ctx is done or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	if m.opts.Inline {
		return
	}
	ctx, cancel := context.WithCancel(ctx)

	m.runningMutex.Lock()
	m.cancel = cancel
	m.started = true
	m.runningMutex.Unlock()

	for i := 0; i < m.opts.Workers; i++ {
		m.wg.Add(1)
		go m.worker(ctx)
	}
}

func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-m.queue:
			m.run(ctx, id)
		}
	}
}

func (m *Manager) run(ctx context.Context, id string) {
	defer m.release(id)
	if err := m.processor.Process(ctx, id); err != nil {
		m.log.WithField("event_id", id).WithError(err).Debug("event processing failed")
	}
}

func (m *Manager) reserve(id string) bool {
	m.runningMutex.Lock()
	defer m.runningMutex.Unlock()
	if _, exists := m.running[id]; exists {
		return false
	}
	m.running[id] = struct{}{}
	return true
}

func (m *Manager) release(id string) {
	m.runningMutex.Lock()
	delete(m.running, id)
	m.runningMutex.Unlock()
}

// Submit schedules an event. It returns false when the event is already queued
// or the queue is full; the row then stays received for the watchdog.
func (m *Manager) Submit(ctx context.Context, eventID string) bool {
	if !m.reserve(eventID) {
		return false
	}

	if m.opts.Inline {
		m.run(ctx, eventID)
		return true
	}

	select {
	case m.queue <- eventID:
		return true
	default:
		m.release(eventID)
		m.log.WithField("event_id", eventID).Warn("dispatch queue full, leaving event for the watchdog")
		return false
	}
}

// IsRunning reports whether an event is queued or being processed
func (m *Manager) IsRunning(eventID string) bool {
	m.runningMutex.Lock()
	defer m.runningMutex.Unlock()
	_, exists := m.running[eventID]
	return exists
}

// Running returns the ids currently queued or in flight
func (m *Manager) Running() []string {
	m.runningMutex.Lock()
	defer m.runningMutex.Unlock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	return ids
}

// Stop drains queued work until ctx expires, then cancels the workers
func (m *Manager) Stop(ctx context.Context) error {
	m.runningMutex.Lock()
	started := m.started
	m.runningMutex.Unlock()
	if !started {
		return nil
	}

	drained := make(chan struct{})
	go func() {
		for {
			m.runningMutex.Lock()
			n := len(m.running)
			m.runningMutex.Unlock()
			if n == 0 {
				close(drained)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(20 * time.Millisecond):
			}
		}
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = fmt.Errorf("stopping workers: %w", ctx.Err())
	}
	m.cancel()
	m.wg.Wait()
	return err
}
