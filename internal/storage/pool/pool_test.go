package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/chat-garden-go/pkg/util/merr"
)

type fakeConn struct {
	id      int64
	closed  atomic.Bool
	pingErr atomic.Value // error
}

func (c *fakeConn) Ping(context.Context) error {
	if c.closed.Load() {
		return errors.New("ping on closed connection")
	}
	if err, ok := c.pingErr.Load().(error); ok && err != nil {
		return err
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeFactory struct {
	seq  atomic.Int64
	fail atomic.Bool

	mu    sync.Mutex
	conns []*fakeConn
}

func (f *fakeFactory) dial(context.Context) (*fakeConn, error) {
	if f.fail.Load() {
		return nil, errors.New("connection refused")
	}
	c := &fakeConn{id: f.seq.Add(1)}
	f.mu.Lock()
	f.conns = append(f.conns, c)
	f.mu.Unlock()
	return c, nil
}

// liveConns 统计已创建且未关闭的连接数。
func (f *fakeFactory) liveConns() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.conns {
		if !c.closed.Load() {
			n++
		}
	}
	return n
}

type PoolSuite struct {
	suite.Suite
	factory *fakeFactory
}

func (s *PoolSuite) SetupTest() {
	s.factory = &fakeFactory{}
}

func (s *PoolSuite) newPool(cfg Config) *Pool[*fakeConn] {
	p, err := New(cfg, s.factory.dial, WithDialBackoff(time.Millisecond, 10*time.Millisecond), WithName(s.T().Name()))
	s.Require().NoError(err)
	s.T().Cleanup(p.Close)
	return p
}

func (s *PoolSuite) TestInitSizeCreatedEagerly() {
	p := s.newPool(Config{InitSize: 3, MaxSize: 5, MaxIdleTime: time.Hour, ConnectionTimeout: time.Second})
	st := p.Stats()
	s.Equal(3, st.Live)
	s.Equal(3, st.Idle)
	s.Equal(int64(3), s.factory.seq.Load())
}

func (s *PoolSuite) TestAcquireTimesOutAtCapacity() {
	p := s.newPool(Config{InitSize: 2, MaxSize: 2, MaxIdleTime: time.Hour, ConnectionTimeout: 100 * time.Millisecond})
	ctx := context.Background()

	h1, err := p.Acquire(ctx)
	s.Require().NoError(err)
	h2, err := p.Acquire(ctx)
	s.Require().NoError(err)
	defer h1.Release()
	defer h2.Release()

	start := time.Now()
	h3, err := p.Acquire(ctx)
	elapsed := time.Since(start)
	s.Nil(h3)
	s.ErrorIs(err, merr.ErrPoolExhausted)
	s.True(merr.IsRetryableErr(err))
	s.GreaterOrEqual(elapsed, 100*time.Millisecond)
	s.Less(elapsed, time.Second)
	s.Equal(2, p.Stats().Live)
	s.Equal(0, p.Stats().Waiting)
}

func (s *PoolSuite) TestAcquireWakesOnRelease() {
	p := s.newPool(Config{InitSize: 1, MaxSize: 1, MaxIdleTime: time.Hour, ConnectionTimeout: time.Second})
	h1, err := p.Acquire(context.Background())
	s.Require().NoError(err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		h1.Release()
	}()
	h2, err := p.Acquire(context.Background())
	s.Require().NoError(err)
	s.Same(h1.Conn(), h2.Conn())
	h2.Release()
}

func (s *PoolSuite) TestAcquireHonoursContext() {
	p := s.newPool(Config{InitSize: 1, MaxSize: 1, MaxIdleTime: time.Hour, ConnectionTimeout: 5 * time.Second})
	h, err := p.Acquire(context.Background())
	s.Require().NoError(err)
	defer h.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	s.ErrorIs(err, context.DeadlineExceeded)
}

func (s *PoolSuite) TestLiveNeverExceedsMaxSize() {
	p := s.newPool(Config{InitSize: 0, MaxSize: 3, MaxIdleTime: time.Hour, ConnectionTimeout: 2 * time.Second})

	var wg sync.WaitGroup
	var inUse, maxInUse atomic.Int64
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.With(context.Background(), func(*fakeConn) error {
				n := inUse.Add(1)
				for {
					m := maxInUse.Load()
					if n <= m || maxInUse.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				inUse.Add(-1)
				return nil
			})
			s.NoError(err)
		}()
	}
	wg.Wait()

	s.LessOrEqual(maxInUse.Load(), int64(3))
	s.LessOrEqual(p.Stats().Live, 3)
	s.LessOrEqual(s.factory.liveConns(), 3)
}

func (s *PoolSuite) TestIdleQueueIsFIFO() {
	p := s.newPool(Config{InitSize: 2, MaxSize: 2, MaxIdleTime: time.Hour, ConnectionTimeout: time.Second})
	a, err := p.Acquire(context.Background())
	s.Require().NoError(err)
	b, err := p.Acquire(context.Background())
	s.Require().NoError(err)

	a.Release()
	b.Release()

	next, err := p.Acquire(context.Background())
	s.Require().NoError(err)
	s.Same(a.Conn(), next.Conn())
	next.Release()
}

func (s *PoolSuite) TestReleaseIsIdempotent() {
	p := s.newPool(Config{InitSize: 1, MaxSize: 1, MaxIdleTime: time.Hour, ConnectionTimeout: time.Second})
	h, err := p.Acquire(context.Background())
	s.Require().NoError(err)

	h.Release()
	h.Release()
	h.Discard()

	st := p.Stats()
	s.Equal(1, st.Live)
	s.Equal(1, st.Idle)
	s.False(h.Conn().closed.Load())
}

func (s *PoolSuite) TestWithReleasesOnErrorAndPanic() {
	p := s.newPool(Config{InitSize: 1, MaxSize: 1, MaxIdleTime: time.Hour, ConnectionTimeout: time.Second})

	errBoom := errors.New("boom")
	err := p.With(context.Background(), func(*fakeConn) error { return errBoom })
	s.ErrorIs(err, errBoom)
	s.Equal(1, p.Stats().Idle)

	s.Panics(func() {
		_ = p.With(context.Background(), func(*fakeConn) error { panic("handler bug") })
	})
	s.Equal(1, p.Stats().Idle)
}

func (s *PoolSuite) TestDiscardClosesAndShrinks() {
	p := s.newPool(Config{InitSize: 1, MaxSize: 1, MaxIdleTime: time.Hour, ConnectionTimeout: time.Second})
	h, err := p.Acquire(context.Background())
	s.Require().NoError(err)
	h.Discard()
	s.True(h.Conn().closed.Load())

	// 生产者补上被丢弃的连接
	s.Eventually(func() bool {
		st := p.Stats()
		return st.Live == 1 && st.Idle == 1
	}, time.Second, 5*time.Millisecond)
}

func (s *PoolSuite) TestPingFailureReconnects() {
	p := s.newPool(Config{InitSize: 1, MaxSize: 1, MaxIdleTime: time.Hour, ConnectionTimeout: time.Second})
	s.factory.conns[0].pingErr.Store(errors.New("server closed the connection"))

	h, err := p.Acquire(context.Background())
	s.Require().NoError(err)
	s.NotSame(s.factory.conns[0], h.Conn())
	s.True(s.factory.conns[0].closed.Load())
	s.Equal(1, p.Stats().Live)
	h.Release()
}

func (s *PoolSuite) TestPingFailureReconnectFails() {
	p := s.newPool(Config{InitSize: 1, MaxSize: 1, MaxIdleTime: time.Hour, ConnectionTimeout: time.Second})
	s.factory.conns[0].pingErr.Store(errors.New("server closed the connection"))
	s.factory.fail.Store(true)

	h, err := p.Acquire(context.Background())
	s.Nil(h)
	s.ErrorIs(err, merr.ErrDatabaseConnectionFailed)
	s.Equal(0, p.Stats().Live)
}

func (s *PoolSuite) TestReaperKeepsInitSize() {
	p := s.newPool(Config{InitSize: 1, MaxSize: 3, MaxIdleTime: time.Hour, ConnectionTimeout: time.Second})
	ctx := context.Background()

	handles := make([]*Handle[*fakeConn], 0, 3)
	for i := 0; i < 3; i++ {
		h, err := p.Acquire(ctx)
		s.Require().NoError(err)
		handles = append(handles, h)
	}
	s.Equal(3, p.Stats().Live)
	for _, h := range handles {
		h.Release()
	}

	// 空闲时间不足，不回收
	s.Equal(0, p.reap(time.Now()))
	s.Equal(3, p.Stats().Live)

	// 足够久之后只回收到 InitSize
	s.Equal(2, p.reap(time.Now().Add(2*time.Hour)))
	st := p.Stats()
	s.Equal(1, st.Live)
	s.Equal(1, st.Idle)
	s.Equal(0, p.reap(time.Now().Add(4*time.Hour)))
}

func (s *PoolSuite) TestReaperStopsAtFirstFreshConnection() {
	p := s.newPool(Config{InitSize: 0, MaxSize: 3, MaxIdleTime: time.Hour, ConnectionTimeout: time.Second})
	ctx := context.Background()

	handles := make([]*Handle[*fakeConn], 0, 3)
	for i := 0; i < 3; i++ {
		h, err := p.Acquire(ctx)
		s.Require().NoError(err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		h.Release()
	}

	base := time.Now()
	p.mu.Lock()
	s.Require().Len(p.idle, 3)
	for i := range p.idle {
		p.idle[i].idleSince = base.Add(time.Duration(i) * time.Minute)
	}
	p.mu.Unlock()

	// 只有队首空闲满一小时
	s.Equal(1, p.reap(base.Add(time.Hour+30*time.Second)))
	s.Equal(2, p.Stats().Live)
}

func (s *PoolSuite) TestCloseFailsWaitersAndClosesReturned() {
	p, err := New(Config{InitSize: 1, MaxSize: 1, MaxIdleTime: time.Hour, ConnectionTimeout: 5 * time.Second}, s.factory.dial)
	s.Require().NoError(err)

	h, err := p.Acquire(context.Background())
	s.Require().NoError(err)

	waitErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		waitErr <- err
	}()
	s.Eventually(func() bool { return p.Stats().Waiting == 1 }, time.Second, 5*time.Millisecond)

	p.Close()
	select {
	case err := <-waitErr:
		s.ErrorIs(err, merr.ErrPoolClosed)
	case <-time.After(time.Second):
		s.Fail("waiter not released by Close")
	}

	h.Release()
	s.True(h.Conn().closed.Load())
	s.Equal(0, p.Stats().Live)

	_, err = p.Acquire(context.Background())
	s.ErrorIs(err, merr.ErrPoolClosed)
	p.Close()
}

func TestPool(t *testing.T) {
	suite.Run(t, new(PoolSuite))
}

func TestNewUnhealthy(t *testing.T) {
	f := &fakeFactory{}
	f.fail.Store(true)
	p, err := New(Config{InitSize: 2, MaxSize: 2, MaxIdleTime: time.Hour, ConnectionTimeout: time.Second}, f.dial)
	assert.Nil(t, p)
	assert.ErrorIs(t, err, merr.ErrPoolUnhealthy)
}

func TestNewZeroInitSizeIsHealthy(t *testing.T) {
	f := &fakeFactory{}
	f.fail.Store(true)
	p, err := New(Config{InitSize: 0, MaxSize: 2, MaxIdleTime: time.Hour, ConnectionTimeout: 50 * time.Millisecond},
		f.dial, WithDialBackoff(time.Millisecond, 5*time.Millisecond))
	require.NoError(t, err)
	defer p.Close()

	// 生产者一直失败，Acquire 只能超时
	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, merr.ErrPoolExhausted)
	assert.Equal(t, 0, p.Stats().Live)
}

func TestConfigValidate(t *testing.T) {
	ok := Config{InitSize: 1, MaxSize: 2, MaxIdleTime: time.Second, ConnectionTimeout: time.Second}
	assert.NoError(t, ok.Validate())

	bad := []Config{
		{InitSize: 0, MaxSize: 0, MaxIdleTime: time.Second, ConnectionTimeout: time.Second},
		{InitSize: 3, MaxSize: 2, MaxIdleTime: time.Second, ConnectionTimeout: time.Second},
		{InitSize: -1, MaxSize: 2, MaxIdleTime: time.Second, ConnectionTimeout: time.Second},
		{InitSize: 1, MaxSize: 2, MaxIdleTime: 0, ConnectionTimeout: time.Second},
		{InitSize: 1, MaxSize: 2, MaxIdleTime: time.Second, ConnectionTimeout: 0},
	}
	for _, cfg := range bad {
		assert.Error(t, cfg.Validate(), "%+v", cfg)
	}
}
