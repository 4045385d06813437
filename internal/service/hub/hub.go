package hub

import (
	"context"
	"sync"

	"detectserver/internal/logger"
)

// Topic selects which stream a subscriber receives.
type Topic int

const (
	// TopicFrames carries annotated JPEG frames.
	TopicFrames Topic = iota
	// TopicEvents carries JSON detection events.
	TopicEvents
)

func (t Topic) String() string {
	switch t {
	case TopicFrames:
		return "frames"
	case TopicEvents:
		return "events"
	}
	return "unknown"
}

// Subscriber receives messages of one topic. Slow subscribers miss messages
// instead of holding up the others.
type Subscriber struct {
	topic Topic
	ch    chan []byte
}

// Messages is closed when the subscriber is unregistered or the hub stops.
func (s *Subscriber) Messages() <-chan []byte {
	return s.ch
}

type message struct {
	topic Topic
	data  []byte
}

// HubService fans out camera frames and detection events to subscribers.
type HubService struct {
	subscribers map[*Subscriber]bool
	broadcast   chan message
	register    chan *Subscriber
	unregister  chan *Subscriber
	done        chan struct{}
	mutex       sync.RWMutex
	logger      *logger.Logger
}

// NewHubService creates a hub. Run must be started before use.
func NewHubService(logger *logger.Logger) *HubService {
	return &HubService{
		subscribers: make(map[*Subscriber]bool),
		broadcast:   make(chan message, 8),
		register:    make(chan *Subscriber),
		unregister:  make(chan *Subscriber),
		done:        make(chan struct{}),
		logger:      logger,
	}
}

// Run dispatches messages until ctx is canceled, then closes every subscriber.
func (h *HubService) Run(ctx context.Context) {
	defer func() {
		h.mutex.Lock()
		for s := range h.subscribers {
			delete(h.subscribers, s)
			close(s.ch)
		}
		h.mutex.Unlock()
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case s := <-h.register:
			h.mutex.Lock()
			h.subscribers[s] = true
			total := len(h.subscribers)
			h.mutex.Unlock()
			h.logger.Info("Subscriber connected (%s). Total: %d", s.topic, total)

		case s := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.subscribers[s]; ok {
				delete(h.subscribers, s)
				close(s.ch)
			}
			total := len(h.subscribers)
			h.mutex.Unlock()
			h.logger.Info("Subscriber disconnected (%s). Total: %d", s.topic, total)

		case msg := <-h.broadcast:
			h.mutex.RLock()
			for s := range h.subscribers {
				if s.topic != msg.topic {
					continue
				}
				select {
				case s.ch <- msg.data:
				default:
					h.logger.Debug("Subscriber too slow, dropping %s message", msg.topic)
				}
			}
			h.mutex.RUnlock()
		}
	}
}

// Register adds a subscriber with room for buffer pending messages. It
// returns nil when the hub has stopped.
func (h *HubService) Register(topic Topic, buffer int) *Subscriber {
	if buffer < 1 {
		buffer = 1
	}
	s := &Subscriber{topic: topic, ch: make(chan []byte, buffer)}
	select {
	case h.register <- s:
		return s
	case <-h.done:
		return nil
	}
}

// Unregister removes a subscriber and closes its channel.
func (h *HubService) Unregister(s *Subscriber) {
	if s == nil {
		return
	}
	select {
	case h.unregister <- s:
	case <-h.done:
	}
}

// Broadcast queues data for every subscriber of topic.
func (h *HubService) Broadcast(topic Topic, data []byte) {
	select {
	case h.broadcast <- message{topic: topic, data: data}:
	case <-h.done:
	}
}

// GetClientCount returns the number of subscribers of topic.
func (h *HubService) GetClientCount(topic Topic) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	count := 0
	for s := range h.subscribers {
		if s.topic == topic {
			count++
		}
	}
	return count
}

// Done is closed once Run has returned.
func (h *HubService) Done() <-chan struct{} {
	return h.done
}
