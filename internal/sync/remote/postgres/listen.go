package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kimhsiao/today/backend/internal/logging"
)

// ChangeChannel is the NOTIFY channel fed by the change_feed migration.
const ChangeChannel = "today_changes"

// Listen holds one pooled connection in LISTEN mode and passes every change
// notification payload to handle until ctx is cancelled.
func Listen(ctx context.Context, pool *pgxpool.Pool, handle func(payload []byte)) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+ChangeChannel); err != nil {
		return fmt.Errorf("listen %s: %w", ChangeChannel, err)
	}
	logging.Info("Listening for remote changes", map[string]interface{}{"channel": ChangeChannel})

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		handle([]byte(n.Payload))
	}
}
