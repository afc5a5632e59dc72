// Package stream fans execution events out to live subscribers.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/internal/domain"
)

const (
	sendBuffer      = 256
	broadcastBuffer = 1024
)

// ErrBufferFull is returned when a subscriber is not keeping up.
var ErrBufferFull = errors.New("send buffer full")

// Subscriber receives the events of one execution. Send is closed when the
// subscriber is unregistered.
type Subscriber struct {
	ID          string
	ExecutionID string
	Send        chan []byte
}

type message struct {
	executionID string
	data        []byte
}

// Hub tracks subscribers per execution.
type Hub struct {
	subscribers map[string]*Subscriber
	executions  map[string]map[string]bool

	register   chan *Subscriber
	unregister chan *Subscriber
	broadcast  chan message

	logger *slog.Logger
	mu     sync.RWMutex
}

// NewHub creates a hub. Call Run to start delivering.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[string]*Subscriber),
		executions:  make(map[string]map[string]bool),
		register:    make(chan *Subscriber),
		unregister:  make(chan *Subscriber),
		broadcast:   make(chan message, broadcastBuffer),
		logger:      logger.With("component", "stream_hub"),
	}
}

// Run is the hub's main loop. It returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case sub := <-h.register:
			h.mu.Lock()
			h.subscribers[sub.ID] = sub
			if h.executions[sub.ExecutionID] == nil {
				h.executions[sub.ExecutionID] = make(map[string]bool)
			}
			h.executions[sub.ExecutionID][sub.ID] = true
			h.mu.Unlock()
			h.logger.Debug("subscriber registered", "subscriber_id", sub.ID, "execution_id", sub.ExecutionID)

		case sub := <-h.unregister:
			h.remove(sub)

		case msg := <-h.broadcast:
			h.mu.RLock()
			for id := range h.executions[msg.executionID] {
				sub := h.subscribers[id]
				if sub == nil {
					continue
				}
				select {
				case sub.Send <- msg.data:
				default:
					h.logger.Warn("subscriber buffer full, closing", "subscriber_id", id)
					go h.Unregister(sub)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// NewSubscriber creates an unregistered subscriber for an execution.
func (h *Hub) NewSubscriber(executionID string) *Subscriber {
	return &Subscriber{
		ID:          uuid.New().String(),
		ExecutionID: executionID,
		Send:        make(chan []byte, sendBuffer),
	}
}

// Register starts delivering to sub.
func (h *Hub) Register(sub *Subscriber) {
	h.register <- sub
}

// Unregister stops delivering to sub and closes its channel.
func (h *Hub) Unregister(sub *Subscriber) {
	h.unregister <- sub
}

// Publish queues an event for the execution's subscribers. It never blocks:
// when the queue is full the event is dropped from the live stream and
// clients catch up from the event log.
func (h *Hub) Publish(evt *domain.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Warn("failed to marshal event", "event_id", evt.EventID, "error", err)
		return
	}
	select {
	case h.broadcast <- message{executionID: evt.ExecutionID, data: data}:
	default:
		h.logger.Warn("broadcast queue full, dropping live event", "execution_id", evt.ExecutionID, "seq", evt.Seq)
	}
}

// SubscriberCount returns the number of subscribers of an execution.
func (h *Hub) SubscriberCount(executionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.executions[executionID])
}

func (h *Hub) remove(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[sub.ID]; !ok {
		return
	}
	delete(h.subscribers, sub.ID)
	if set := h.executions[sub.ExecutionID]; set != nil {
		delete(set, sub.ID)
		if len(set) == 0 {
			delete(h.executions, sub.ExecutionID)
		}
	}
	close(sub.Send)
	h.logger.Debug("subscriber unregistered", "subscriber_id", sub.ID)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subscribers {
		close(sub.Send)
		delete(h.subscribers, id)
	}
	h.executions = make(map[string]map[string]bool)
}
