package logbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/lager/v3"
)

// Entry is one ordered chunk of a Run's output. An entry with IsComplete set
// is the final one published for the run; it is emitted exactly once, after
// the terminal Run status has been persisted.
type Entry struct {
	RunID      string    `json:"runId"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	IsComplete bool      `json:"isComplete"`
}

// ChannelForRun names the per-run topic.
func ChannelForRun(runID string) string {
	return fmt.Sprintf("run:%s:logs", runID)
}

// Bus is the typed log streaming plane on top of a Broker. It carries no
// history: a subscriber sees entries published after it subscribed, and the
// persisted Run.output covers everything before.
type Bus struct {
	logger lager.Logger
	broker Broker
	clock  clock.Clock
}

func NewBus(logger lager.Logger, broker Broker, clock clock.Clock) *Bus {
	return &Bus{
		logger: logger,
		broker: broker,
		clock:  clock,
	}
}

// PublishLogs publishes one entry on the run's channel and returns how many
// subscribers received it.
func (b *Bus) PublishLogs(ctx context.Context, runID, content string, isComplete bool) (int, error) {
	entry := Entry{
		RunID:      runID,
		Content:    content,
		Timestamp:  b.clock.Now().UTC(),
		IsComplete: isComplete,
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("encoding log entry: %w", err)
	}
	return b.broker.Publish(ctx, ChannelForRun(runID), payload)
}

// Subscribe returns a channel of entries for the run. The channel closes
// after an IsComplete entry is delivered, when ctx is cancelled, or when the
// broker disconnects; the broker subscription is released on every path.
func (b *Bus) Subscribe(ctx context.Context, runID string) (<-chan Entry, error) {
	logger := b.logger.Session("subscribe", lager.Data{"run": runID})

	sub, err := b.broker.Subscribe(ctx, ChannelForRun(runID))
	if err != nil {
		return nil, err
	}

	entries := make(chan Entry)
	go func() {
		defer close(entries)
		defer sub.Unsubscribe()

		for {
			select {
			case <-ctx.Done():
				return
			case payload, ok := <-sub.Receive():
				if !ok {
					return
				}

				var entry Entry
				if err := json.Unmarshal(payload, &entry); err != nil {
					logger.Error("failed-to-decode-entry", err)
					continue
				}

				select {
				case entries <- entry:
				case <-ctx.Done():
					return
				}

				if entry.IsComplete {
					return
				}
			}
		}
	}()

	return entries, nil
}
