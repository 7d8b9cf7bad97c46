// Package tenant carries the already-validated tenant identity through the
// orchestration core and guards every cross-entity reference.
package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrIsolationViolation marks any reference that crosses a tenant boundary.
// It is fatal for the operation that hit it.
var ErrIsolationViolation = errors.New("tenant isolation violation")

type ctxKey struct{}

// WithTenant returns a context carrying the tenant id resolved upstream.
func WithTenant(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the tenant id stored by WithTenant.
func FromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(ctxKey{}).(uuid.UUID)
	if !ok || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}

// IsolationError describes which entity was reached from the wrong tenant.
type IsolationError struct {
	Expected uuid.UUID
	Actual   uuid.UUID
	Entity   string
	EntityID uuid.UUID
}

func (e *IsolationError) Error() string {
	return fmt.Sprintf("%s: %s %s belongs to tenant %s, not %s",
		ErrIsolationViolation, e.Entity, e.EntityID, e.Actual, e.Expected)
}

func (e *IsolationError) Unwrap() error { return ErrIsolationViolation }

// Check returns an *IsolationError when actual differs from expected.
func Check(expected, actual uuid.UUID, entity string, entityID uuid.UUID) error {
	if expected == uuid.Nil || expected != actual {
		return &IsolationError{
			Expected: expected,
			Actual:   actual,
			Entity:   entity,
			EntityID: entityID,
		}
	}
	return nil
}
