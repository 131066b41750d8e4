package domain

import (
	"context"
)

// CommandPublisher hands order commands to the command bus.
type CommandPublisher interface {
	PublishCommand(ctx context.Context, cmd *OrderCommand) error
}

// SnapshotCache stores the latest book snapshot per symbol in the shared cache.
type SnapshotCache interface {
	StoreSnapshot(ctx context.Context, snap *BookSnapshot) error
	LoadSnapshot(ctx context.Context, symbol string) (*BookSnapshot, error)
}

// HealthChecker reports whether an external dependency is reachable.
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) error
}
