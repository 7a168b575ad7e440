package agent

import (
	"sync"

	"github.com/google/uuid"

	"github.com/CloudNativeWorks/elchi-updater/internal/protocol"
	"github.com/CloudNativeWorks/elchi-updater/pkg/helper"
	"github.com/CloudNativeWorks/elchi-updater/pkg/logger"
)

const hubBuffer = 32

// Hub fans notifications out to subscribers. A subscriber that falls behind
// loses notifications rather than slowing the publisher.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]chan *protocol.Notification
	logger *logger.Logger
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{subs: map[string]chan *protocol.Notification{}, logger: log}
}

// Subscribe delivers notifications to fn on a dedicated goroutine until cancel is called.
func (h *Hub) Subscribe(fn func(*protocol.Notification)) (cancel func()) {
	id := uuid.NewString()
	ch := make(chan *protocol.Notification, hubBuffer)

	h.mu.Lock()
	h.subs[id] = ch
	h.mu.Unlock()

	go func() {
		for n := range ch {
			h.deliver(fn, n)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) deliver(fn func(*protocol.Notification), n *protocol.Notification) {
	defer helper.RecoverPanic(h.logger, "notification-subscriber")
	fn(n)
}

// Publish sends n to every subscriber without blocking.
func (h *Hub) Publish(n *protocol.Notification) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, ch := range h.subs {
		select {
		case ch <- n:
		default:
			h.logger.WithFields(logger.Fields{"subscriber": id, "kind": string(n.Kind)}).Debug("dropping notification for slow subscriber")
		}
	}
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
