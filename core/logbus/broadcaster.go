package logbus

import (
	"context"
	"errors"
	"sync"
)

// ErrBroadcasterClosed is returned by operations on a closed Broadcaster.
var ErrBroadcasterClosed = errors.New("broadcaster is closed")

// Broadcaster is the in-process Broker used when no external broker is
// configured. Each subscriber owns a bounded queue; when a slow subscriber's
// queue fills up the oldest payload is dropped so publishers never block.
type Broadcaster struct {
	queueSize int

	mu     sync.Mutex
	subs   map[string][]*broadcastSubscription
	closed bool
}

func NewBroadcaster(queueSize int) *Broadcaster {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Broadcaster{
		queueSize: queueSize,
		subs:      map[string][]*broadcastSubscription{},
	}
}

func (b *Broadcaster) Publish(_ context.Context, channel string, payload []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, ErrBroadcasterClosed
	}

	subs := b.subs[channel]
	for _, sub := range subs {
		select {
		case sub.payloads <- payload:
		default:
			select {
			case <-sub.payloads:
			default:
			}
			select {
			case sub.payloads <- payload:
			default:
			}
		}
	}
	return len(subs), nil
}

func (b *Broadcaster) Subscribe(_ context.Context, channel string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBroadcasterClosed
	}

	sub := &broadcastSubscription{
		broadcaster: b,
		channel:     channel,
		payloads:    make(chan []byte, b.queueSize),
	}
	b.subs[channel] = append(b.subs[channel], sub)
	return sub, nil
}

// Close ends every subscription and rejects further operations.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			if !sub.closed {
				sub.closed = true
				close(sub.payloads)
			}
		}
	}
	b.subs = map[string][]*broadcastSubscription{}
	return nil
}

type broadcastSubscription struct {
	broadcaster *Broadcaster
	channel     string
	payloads    chan []byte
	closed      bool
}

func (s *broadcastSubscription) Receive() <-chan []byte {
	return s.payloads
}

func (s *broadcastSubscription) Unsubscribe() error {
	b := s.broadcaster
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	subs := b.subs[s.channel]
	for i, sub := range subs {
		if sub == s {
			b.subs[s.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[s.channel]) == 0 {
		delete(b.subs, s.channel)
	}
	close(s.payloads)
	return nil
}
