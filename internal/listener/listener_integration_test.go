//go:build integration

package listener_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"replicator/internal/envelope"
	"replicator/internal/listener"
	"replicator/pkg/testutil/containers"
)

type ListenerIntegrationSuite struct {
	suite.Suite
	pg *containers.PostgresContainer
}

func (s *ListenerIntegrationSuite) SetupSuite() {
	s.pg = containers.NewPostgresContainer(s.T())
}

func (s *ListenerIntegrationSuite) TestTriggerFeedsListener() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn := s.pg.Connect(ctx, s.T())
	_, err := conn.Exec(ctx, `
		CREATE TABLE nis2_audit_log (
			id SERIAL PRIMARY KEY,
			actor TEXT NOT NULL,
			action TEXT NOT NULL
		)`)
	s.Require().NoError(err)

	err = listener.InstallTrigger(ctx, s.pg.URL, "nis2_audit_log", "nis2_changes")
	s.Require().NoError(err)

	l, err := listener.New(listener.Config{
		DatabaseURL: s.pg.URL,
		Channel:     "nis2_changes",
	})
	s.Require().NoError(err)

	out := make(chan *envelope.Change, 8)
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() { _ = l.Run(runCtx, out) }()

	s.Require().Eventually(func() bool {
		return l.State() == listener.StateListening
	}, 10*time.Second, 50*time.Millisecond)

	_, err = conn.Exec(ctx, `INSERT INTO nis2_audit_log (actor, action) VALUES ('alice', 'login')`)
	s.Require().NoError(err)
	_, err = conn.Exec(ctx, `UPDATE nis2_audit_log SET action = 'logout' WHERE actor = 'alice'`)
	s.Require().NoError(err)
	_, err = conn.Exec(ctx, `DELETE FROM nis2_audit_log WHERE actor = 'alice'`)
	s.Require().NoError(err)

	insert := s.receive(ctx, out)
	s.Equal(envelope.OpInsert, insert.Operation)
	s.Equal("nis2_audit_log", insert.Table)
	s.Equal("alice", insert.Data["actor"])
	s.Nil(insert.OldData)

	update := s.receive(ctx, out)
	s.Equal(envelope.OpUpdate, update.Operation)
	s.Equal("logout", update.Data["action"])
	s.Require().NotNil(update.OldData)
	s.Equal("login", update.OldData["action"])

	del := s.receive(ctx, out)
	s.Equal(envelope.OpDelete, del.Operation)
	s.Equal("alice", del.Data["actor"])
}

func (s *ListenerIntegrationSuite) receive(ctx context.Context, out <-chan *envelope.Change) *envelope.Change {
	s.T().Helper()
	select {
	case change := <-out:
		return change
	case <-ctx.Done():
		s.FailNow("timed out waiting for change notification")
		return nil
	}
}

func TestListenerIntegrationSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(ListenerIntegrationSuite))
}
