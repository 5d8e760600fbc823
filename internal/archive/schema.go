package archive

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer runs a statement. *pgxpool.Pool implements it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS chat_messages (
	id          UUID PRIMARY KEY,
	conn_id     UUID        NOT NULL,
	room        TEXT        NOT NULL,
	received_at TIMESTAMPTZ NOT NULL,
	payload     JSONB       NOT NULL
);
CREATE INDEX IF NOT EXISTS chat_messages_room_received_at_idx
	ON chat_messages (room, received_at);
`

// EnsureSchema creates the archive table when it does not exist.
func EnsureSchema(ctx context.Context, db Execer) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure chat_messages schema: %w", err)
	}
	return nil
}
