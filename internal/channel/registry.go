package channel

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/outreach/internal/retry"
)

// Registry routes sends to the adapter of the campaign's channel.
type Registry struct {
	adapters map[Channel]Adapter
	logger   *zap.Logger
}

// NewRegistry indexes adapters by channel. A later adapter for the same
// channel replaces an earlier one.
func NewRegistry(logger *zap.Logger, adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[Channel]Adapter, len(adapters)), logger: logger}
	for _, a := range adapters {
		r.adapters[a.Channel()] = a
	}
	return r
}

func (r *Registry) Get(ch Channel) (Adapter, error) {
	a, ok := r.adapters[ch]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoAdapter, ch)
	}
	return a, nil
}

func (r *Registry) Send(ctx context.Context, ch Channel, msg Message) (SendResult, error) {
	a, err := r.Get(ch)
	if err != nil {
		return SendResult{}, err
	}
	r.logger.Debug("routing message to adapter",
		zap.String("channel", string(ch)),
		zap.String("reference", msg.Reference),
	)
	return a.Send(ctx, msg)
}

// ParseOutcome uses the channel's adapter vocabulary. Unknown channels yield
// the raw status, which the retry engine treats as a permanent failure.
func (r *Registry) ParseOutcome(ch Channel, status string) retry.Outcome {
	a, ok := r.adapters[ch]
	if !ok {
		return retry.Outcome(status)
	}
	return a.ParseOutcome(status)
}

// Channels lists the registered channels.
func (r *Registry) Channels() []Channel {
	out := make([]Channel, 0, len(r.adapters))
	for _, ch := range []Channel{SMS, Chat, Email, Voice} {
		if _, ok := r.adapters[ch]; ok {
			out = append(out, ch)
		}
	}
	return out
}
