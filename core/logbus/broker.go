package logbus

import "context"

//counterfeiter:generate . Broker

// Broker is the raw pub/sub transport underneath the log bus. Publish
// returns the number of subscribers that received the payload, matching
// Redis PUBLISH semantics.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) (int, error)
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Close() error
}

// Subscription is one subscriber's handle on a channel. Receive's channel
// closes when the subscription ends or the broker disconnects; Unsubscribe
// releases the underlying broker resource and is safe to call twice.
type Subscription interface {
	Receive() <-chan []byte
	Unsubscribe() error
}
