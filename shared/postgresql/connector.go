package postgresql

import "context"

// Connector is the persistence contract the job store runs on.
// Queries use sqlx named parameters (:name).
type Connector interface {
	Execute(ctx context.Context, query string, args map[string]any) error
	QueryOne(ctx context.Context, dest any, query string, args map[string]any) (bool, error)
	QueryAll(ctx context.Context, dest any, query string, args map[string]any) error
	EncodeJSON(v any) ([]byte, error)
	DecodeJSON(data []byte, v any) error
	Close() error
}

var _ Connector = (*Client)(nil)
