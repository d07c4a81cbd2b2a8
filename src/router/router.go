package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"codeocr/src/messages"
)

var (
	ErrNotFound     = errors.New("endpoint not found")
	ErrShuttingDown = errors.New("router is shutting down")
)

// ChannelInfo holds the inbox of a registered endpoint.
type ChannelInfo struct {
	Channel chan messages.Envelope
	Address string
	Active  bool
}

// Router delivers envelopes to named endpoints such as "selector/3".
type Router struct {
	channels    map[string]*ChannelInfo
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
	sendTimeout time.Duration
}

// NewRouter creates a new message router.
func NewRouter() *Router {
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		channels:    make(map[string]*ChannelInfo),
		ctx:         ctx,
		cancel:      cancel,
		sendTimeout: 5 * time.Second,
	}
}

// Register creates an inbox for address. Messages sent before anyone reads
// the inbox are buffered up to bufferSize.
func (r *Router) Register(address string, bufferSize int) (<-chan messages.Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.channels[address]; exists {
		return nil, fmt.Errorf("endpoint %s already registered", address)
	}

	ch := make(chan messages.Envelope, bufferSize)
	r.channels[address] = &ChannelInfo{Channel: ch, Address: address, Active: true}
	log.Debugf("Router: registered %s with buffer size %d", address, bufferSize)
	return ch, nil
}

// Inbox returns the inbox of a registered endpoint.
func (r *Router) Inbox(address string) (<-chan messages.Envelope, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.channels[address]
	if !ok {
		return nil, false
	}
	return info.Channel, true
}

// Registered reports whether address has an inbox.
func (r *Router) Registered(address string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.channels[address]
	return ok
}

// Unregister removes an endpoint and closes its inbox.
func (r *Router) Unregister(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info, exists := r.channels[address]; exists {
		info.Active = false
		close(info.Channel)
		delete(r.channels, address)
		log.Debugf("Router: unregistered %s", address)
	}
}

// Send delivers an envelope to its endpoint, waiting while the inbox is full.
func (r *Router) Send(envelope messages.Envelope) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	log.Debugf("Router: %s -> %s: %s", envelope.From, envelope.To, envelope.Message.Type())

	info, exists := r.channels[envelope.To]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, envelope.To)
	}
	if !info.Active {
		return fmt.Errorf("endpoint %s is not active", envelope.To)
	}

	select {
	case info.Channel <- envelope:
		return nil
	case <-time.After(r.sendTimeout):
		return fmt.Errorf("timeout sending message to %s", envelope.To)
	case <-r.ctx.Done():
		return ErrShuttingDown
	}
}

// SendTo is a convenience wrapper around Send.
func (r *Router) SendTo(from, to string, m messages.Message) error {
	return r.Send(messages.Envelope{From: from, To: to, Message: m})
}

// Stats returns the number of queued messages per endpoint.
func (r *Router) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make(map[string]int)
	for address, info := range r.channels {
		if info.Active {
			stats[address] = len(info.Channel)
		}
	}
	return stats
}

// Shutdown closes every inbox.
func (r *Router) Shutdown() {
	r.cancel()

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, info := range r.channels {
		if info.Active {
			info.Active = false
			close(info.Channel)
		}
	}
	r.channels = make(map[string]*ChannelInfo)
	log.Info("Router: shutdown complete")
}

// IsHealthy returns false once Shutdown has been called.
func (r *Router) IsHealthy() bool {
	select {
	case <-r.ctx.Done():
		return false
	default:
		return true
	}
}

// DrainChannel discards queued messages and returns how many there were.
func DrainChannel(ch <-chan messages.Envelope) int {
	count := 0
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return count
			}
			count++
		default:
			return count
		}
	}
}
