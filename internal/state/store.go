package state

import "context"

// Store is the durable key/value surface shared by snapshots, the OMS journal and
// operator audit entries.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	// List returns every entry whose key starts with prefix.
	List(ctx context.Context, prefix string) (map[string]string, error)
	Close() error
}
