package listener

import (
	"context"

	"github.com/jackc/pgx/v5"
)

type pgSession struct {
	conn *pgx.Conn
}

// PGDialer opens a dedicated pgx connection per session. cfg is copied on
// every dial so reconnects never share state.
func PGDialer(cfg *pgx.ConnConfig) Dialer {
	return func(ctx context.Context) (Session, error) {
		conn, err := pgx.ConnectConfig(ctx, cfg.Copy())
		if err != nil {
			return nil, err
		}
		return &pgSession{conn: conn}, nil
	}
}

func (s *pgSession) Listen(ctx context.Context, channel string) error {
	_, err := s.conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	return err
}

func (s *pgSession) WaitForNotification(ctx context.Context) (string, error) {
	n, err := s.conn.WaitForNotification(ctx)
	if err != nil {
		return "", err
	}
	return n.Payload, nil
}

func (s *pgSession) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}
