package tenant

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/outreach/internal/metrics"
)

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, kind string, tenantID uuid.UUID, subject string, attrs map[string]string) error
}

// Guard is Check plus reporting: every violation it sees is logged, counted
// and sent to operators.
type Guard struct {
	logger   *zap.Logger
	notifier Notifier
}

// NewGuard accepts a nil notifier, in which case violations are only logged
// and counted.
func NewGuard(logger *zap.Logger, notifier Notifier) *Guard {
	return &Guard{logger: logger.Named("tenant_guard"), notifier: notifier}
}

func (g *Guard) Check(ctx context.Context, expected, actual uuid.UUID, entity string, entityID uuid.UUID) error {
	err := Check(expected, actual, entity, entityID)
	if err != nil {
		g.Report(ctx, err)
	}
	return err
}

// Report surfaces err if it is an isolation violation and ignores anything
// else.
func (g *Guard) Report(ctx context.Context, err error) {
	var ie *IsolationError
	if !errors.As(err, &ie) {
		return
	}

	metrics.RecordIsolationViolation(ie.Entity)
	g.logger.Error("tenant isolation violation",
		zap.Bool("violation", true),
		zap.String("tenant_id", ie.Expected.String()),
		zap.String("owner_tenant_id", ie.Actual.String()),
		zap.String("entity", ie.Entity),
		zap.String("entity_id", ie.EntityID.String()),
	)

	if g.notifier == nil {
		return
	}
	attrs := map[string]string{
		"entity":          ie.Entity,
		"entity_id":       ie.EntityID.String(),
		"owner_tenant_id": ie.Actual.String(),
	}
	if nerr := g.notifier.Notify(ctx, "isolation_violation", ie.Expected, ie.Error(), attrs); nerr != nil {
		g.logger.Error("failed to alert on isolation violation", zap.Error(nerr))
	}
}
