package system

import "context"

// Service represents a lifecycle-managed component. Background workers, the
// reconciler and event publishers implement it so the Manager can start and
// stop them deterministically.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
