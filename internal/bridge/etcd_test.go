package bridge

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/suite"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"

	"github.com/lk2023060901/chat-garden-go/pkg/util/etcd"
	"github.com/lk2023060901/chat-garden-go/pkg/util/merr"
)

type EtcdBridgeSuite struct {
	suite.Suite

	server *embed.Etcd
	dir    string
	cli    *clientv3.Client
}

func (s *EtcdBridgeSuite) SetupSuite() {
	server, dir, err := etcd.StartTestEmbedEtcdServer()
	if err != nil {
		s.T().Skipf("embedded etcd unavailable: %v", err)
	}
	s.server = server
	s.dir = dir
	s.cli = etcd.NewTestClient(server)
}

func (s *EtcdBridgeSuite) TearDownSuite() {
	if s.cli != nil {
		s.cli.Close()
	}
	if s.server != nil {
		s.server.Close()
	}
	if s.dir != "" {
		os.RemoveAll(s.dir)
	}
}

func (s *EtcdBridgeSuite) newBridge(root string) *EtcdBridge {
	b, err := NewEtcdBridge(context.Background(), s.cli, WithRoot(root), WithLeaseTTL(5), WithQueueSize(8))
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = b.Close() })
	return b
}

func (s *EtcdBridgeSuite) TestPublishReachesSubscribedNode() {
	ctx := context.Background()
	a := s.newBridge("chat-route")
	b := s.newBridge("chat-route")

	s.Require().NoError(b.Subscribe(ctx, 42))
	s.Require().NoError(a.Publish(ctx, 42, []byte(`{"msgid":5,"toid":42}`)))

	msg := recv(s.T(), b.Messages())
	s.EqualValues(42, msg.Channel)
	s.Equal(`{"msgid":5,"toid":42}`, string(msg.Payload))
	assertNoMessage(s.T(), a.Messages())
}

func (s *EtcdBridgeSuite) TestConsecutivePublishesAreAllDelivered() {
	ctx := context.Background()
	a := s.newBridge("chat-order")
	b := s.newBridge("chat-order")

	s.Require().NoError(b.Subscribe(ctx, 1))
	for _, p := range []string{"one", "two", "three"} {
		s.Require().NoError(a.Publish(ctx, 1, []byte(p)))
	}
	s.Equal("one", string(recv(s.T(), b.Messages()).Payload))
	s.Equal("two", string(recv(s.T(), b.Messages()).Payload))
	s.Equal("three", string(recv(s.T(), b.Messages()).Payload))
}

func (s *EtcdBridgeSuite) TestUnsubscribeStopsDelivery() {
	ctx := context.Background()
	a := s.newBridge("chat-unsub")
	b := s.newBridge("chat-unsub")

	s.Require().NoError(b.Subscribe(ctx, 3))
	s.Require().NoError(b.Unsubscribe(ctx, 3))
	s.Require().NoError(a.Publish(ctx, 3, []byte("x")))
	assertNoMessage(s.T(), b.Messages())
}

func (s *EtcdBridgeSuite) TestCloseRejectsPublish() {
	b := s.newBridge("chat-close")
	s.Require().NoError(b.Close())
	s.Require().NoError(b.Close())

	s.ErrorIs(b.Publish(context.Background(), 1, nil), merr.ErrBridgeClosed)
	_, ok := <-b.Messages()
	s.False(ok)
}

func TestEtcdBridge(t *testing.T) {
	suite.Run(t, new(EtcdBridgeSuite))
}
