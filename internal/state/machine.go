package state

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/CloudNativeWorks/elchi-updater/pkg/helper"
	"github.com/CloudNativeWorks/elchi-updater/pkg/logger"
)

// ErrClosed is returned by Transition after Close.
var ErrClosed = errors.New("state machine closed")

// Token identifies a subscription.
type Token string

// Machine owns the current State. Every mutation runs on a single owner
// goroutine; observers are notified asynchronously, in order, each on its
// own delivery goroutine.
type Machine struct {
	inbox   chan func()
	quit    chan struct{}
	stopped chan struct{}
	current atomic.Pointer[State]
	logger  *logger.Logger

	closeOnce sync.Once

	// owned by the run goroutine
	subs map[Token]*subscriber
}

// NewMachine starts a machine in None.
func NewMachine(log *logger.Logger) *Machine {
	m := &Machine{
		inbox:   make(chan func(), 64),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		logger:  log,
		subs:    map[Token]*subscriber{},
	}
	var initial State = None{}
	m.current.Store(&initial)

	go m.run()
	return m
}

func (m *Machine) run() {
	defer close(m.stopped)
	defer helper.RecoverPanic(m.logger, "state-machine")

	for {
		select {
		case fn := <-m.inbox:
			fn()
		case <-m.quit:
			for _, s := range m.subs {
				s.stop(true)
			}
			m.subs = nil
			return
		}
	}
}

// post hands fn to the owner goroutine.
func (m *Machine) post(fn func()) bool {
	select {
	case m.inbox <- fn:
		return true
	case <-m.quit:
		return false
	}
}

// Current returns the last committed state.
func (m *Machine) Current() State {
	return *m.current.Load()
}

// Transition validates and commits next on the owner goroutine.
func (m *Machine) Transition(next State) error {
	result := make(chan error, 1)
	ok := m.post(func() {
		prev := m.Current()
		if err := Validate(prev, next); err != nil {
			result <- err
			return
		}
		m.current.Store(&next)
		for _, s := range m.subs {
			s.push(next)
		}
		m.logger.WithFields(logger.Fields{"from": prev.Name(), "to": next.Name()}).Debug("state transition")
		result <- nil
	})
	if !ok {
		return ErrClosed
	}

	select {
	case err := <-result:
		return err
	case <-m.stopped:
		return ErrClosed
	}
}

// Subscribe registers cb for every subsequent transition.
func (m *Machine) Subscribe(cb func(State)) Token {
	token := Token(uuid.NewString())
	s := newSubscriber(cb, m.logger)
	if !m.post(func() { m.subs[token] = s }) {
		s.stop(false)
	}
	return token
}

// Unsubscribe stops deliveries to the subscription. Notifications already
// being delivered may still arrive.
func (m *Machine) Unsubscribe(token Token) {
	m.post(func() {
		if s, ok := m.subs[token]; ok {
			delete(m.subs, token)
			s.stop(false)
		}
	})
}

// Close stops the owner goroutine. Queued notifications are still delivered.
func (m *Machine) Close() {
	m.closeOnce.Do(func() { close(m.quit) })
	<-m.stopped
}

// subscriber is an unbounded ordered mailbox drained by its own goroutine.
type subscriber struct {
	cb     func(State)
	logger *logger.Logger

	mu      sync.Mutex
	queue   []State
	drain   bool
	wake    chan struct{}
	done    chan struct{}
	stopped sync.Once
}

func newSubscriber(cb func(State), log *logger.Logger) *subscriber {
	s := &subscriber{
		cb:     cb,
		logger: log,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *subscriber) push(st State) {
	s.mu.Lock()
	s.queue = append(s.queue, st)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop(drain bool) {
	s.stopped.Do(func() {
		s.mu.Lock()
		s.drain = drain
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.wake:
			s.deliver()
		case <-s.done:
			s.mu.Lock()
			drain := s.drain
			s.mu.Unlock()
			if drain {
				s.deliver()
			}
			return
		}
	}
}

func (s *subscriber) deliver() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, st := range batch {
			s.call(st)
		}
	}
}

func (s *subscriber) call(st State) {
	defer helper.RecoverPanic(s.logger, "state-subscriber")
	s.cb(st)
}
