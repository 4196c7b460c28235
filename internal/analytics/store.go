package analytics

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// ClickHouseInternalStore implements InternalChatStore by querying the
// same chat_events table internal/logger.ClickHouseSink writes to —
// this package only ever reads it, so it opens its own connection
// rather than reaching into the logger's.
type ClickHouseInternalStore struct {
	conn clickhouse.Conn
}

// NewClickHouseInternalStore opens a read connection to the analytics
// sink. addr/database/username/password match logger.NewClickHouseSink's.
func NewClickHouseInternalStore(ctx context.Context, addr, database, username, password string) (*ClickHouseInternalStore, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{Database: database, Username: username, Password: password},
	})
	if err != nil {
		return nil, fmt.Errorf("analytics: clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("analytics: clickhouse ping: %w", err)
	}
	return &ClickHouseInternalStore{conn: conn}, nil
}

func (s *ClickHouseInternalStore) ListForAssistant(ctx context.Context, assistantID int64) ([]RawChat, error) {
	rows, err := s.conn.Query(ctx,
		`SELECT caller_email, created_at FROM chat_events WHERE assistant_id = ? ORDER BY created_at`,
		assistantID)
	if err != nil {
		return nil, fmt.Errorf("analytics: query chat_events: %w", err)
	}
	defer rows.Close()

	var out []RawChat
	for rows.Next() {
		var r RawChat
		if err := rows.Scan(&r.UserID, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("analytics: scan chat_events row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *ClickHouseInternalStore) Close() error { return s.conn.Close() }

// NoExternalChats is the external-chat-store integration seam: spec.md
// frames the external store as another product's own chat table (the
// webUI layer this gateway doesn't own), explicitly out of scope for
// this repo's persistence. A deployment that fronts a real external
// chat table supplies its own ExternalChatStore backed by that SQL
// filter; without one, external chats are simply empty and Merge
// degrades to internal-only.
type NoExternalChats struct{}

func (NoExternalChats) ListForAssistant(context.Context, int64) ([]RawChat, error) {
	return nil, nil
}
