// Package store reads and writes data source metadata in a tenant's master
// database: the node and edge tables, the retirement log and the bounded
// update history.
package store

import (
	"context"

	"github.com/feichai0017/table-dispatcher/internal/lineage"
	"github.com/feichai0017/table-dispatcher/internal/models"
)

// Store is scoped to one tenant master connection. Close releases it.
type Store interface {
	// Snapshot loads every node and edge of the tenant.
	Snapshot(ctx context.Context) (*lineage.Snapshot, error)
	// SaveNode persists status, fingerprint and timestamps. Other columns
	// belong to the authoring flow and are never written.
	SaveNode(ctx context.Context, node *models.DataSource) error
	// RecordRetirement logs that table was renamed to retired.
	RecordRetirement(ctx context.Context, table, retired string) error
	// DeleteRetirements drops log rows of retired tables that no longer exist.
	DeleteRetirements(ctx context.Context, retired []string) error
	// AppendHistory adds an update history row and keeps the newest keep rows
	// of that data source.
	AppendHistory(ctx context.Context, entry models.UpdateLogEntry, keep int) error
	Close() error
}

// Opener opens the store of a tenant.
type Opener interface {
	Open(ctx context.Context, tenant *models.Tenant) (Store, error)
}
