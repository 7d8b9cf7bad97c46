package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/outreach/internal/channel"
	"github.com/lalithlochan/outreach/internal/retry"
)

// ProtectedAdapter decorates a channel adapter with a breaker. Permanent
// errors are about the recipient, not the provider, and do not count as
// failures.
type ProtectedAdapter struct {
	adapter channel.Adapter
	breaker *Breaker
	logger  *zap.Logger
}

func Protect(adapter channel.Adapter, breaker *Breaker, logger *zap.Logger) *ProtectedAdapter {
	return &ProtectedAdapter{adapter: adapter, breaker: breaker, logger: logger}
}

func (p *ProtectedAdapter) Channel() channel.Channel { return p.adapter.Channel() }

func (p *ProtectedAdapter) Send(ctx context.Context, msg channel.Message) (channel.SendResult, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.Name()),
			zap.String("reference", msg.Reference),
		)
		return channel.SendResult{}, fmt.Errorf("%w: %s provider unavailable", ErrCircuitOpen, p.breaker.Name())
	}

	res, err := p.adapter.Send(ctx, msg)
	switch {
	case err == nil, channel.IsPermanent(err):
		p.breaker.RecordSuccess()
	default:
		p.breaker.RecordFailure()
	}
	return res, err
}

func (p *ProtectedAdapter) ParseOutcome(status string) retry.Outcome {
	return p.adapter.ParseOutcome(status)
}
