package listener

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// pgxConn adapts *pgx.Conn to the conn seam.
type pgxConn struct {
	conn *pgx.Conn
}

func (l *Listener) connectPgx(ctx context.Context) (conn, error) {
	c, err := pgx.Connect(ctx, l.cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return &pgxConn{conn: c}, nil
}

func (p *pgxConn) Exec(ctx context.Context, sql string) error {
	_, err := p.conn.Exec(ctx, sql)
	return err
}

func (p *pgxConn) WaitForNotification(ctx context.Context) (*Notification, error) {
	n, err := p.conn.WaitForNotification(ctx)
	if err != nil {
		return nil, err
	}
	return &Notification{Channel: n.Channel, Payload: n.Payload}, nil
}

func (p *pgxConn) Close(ctx context.Context) error {
	return p.conn.Close(ctx)
}
