package session

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"go.uber.org/atomic"
)

const managerShards = 16

// ErrManagerClosed 表示 CloseAll 之后不再接受新会话。
var ErrManagerClosed = errors.New("session: manager closed")

type managerShard struct {
	mu       sync.RWMutex
	sessions map[uint64]Session
}

// BaseSessionManager 是接入器持有的会话索引，按 ID 分片加锁。
// 它不创建也不关闭单个会话，会话断开时由 serve 流程自行注销。
type BaseSessionManager struct {
	shards [managerShards]managerShard
	count  atomic.Int64
	closed atomic.Bool
}

func NewBaseSessionManager() *BaseSessionManager {
	m := &BaseSessionManager{}
	for i := range m.shards {
		m.shards[i].sessions = make(map[uint64]Session)
	}
	return m
}

func (m *BaseSessionManager) shard(id uint64) *managerShard {
	return &m.shards[id%managerShards]
}

// Register 拒绝重复的 ID，不会覆盖旧会话。
func (m *BaseSessionManager) Register(sess Session) error {
	sh := m.shard(sess.ID())
	sh.mu.Lock()
	defer sh.mu.Unlock()

	// 在分片锁内检查，保证 CloseAll 之后注册的会话一定被拒绝或被关闭。
	if m.closed.Load() {
		return ErrManagerClosed
	}
	if _, dup := sh.sessions[sess.ID()]; dup {
		return errors.Newf("session: id %d already registered", sess.ID())
	}
	sh.sessions[sess.ID()] = sess
	m.count.Inc()
	return nil
}

func (m *BaseSessionManager) Get(id uint64) (Session, bool) {
	sh := m.shard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	sess, ok := sh.sessions[id]
	return sess, ok
}

// Unregister 只删除索引，id 不存在时返回 false。
func (m *BaseSessionManager) Unregister(id uint64) bool {
	sh := m.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.sessions[id]; !ok {
		return false
	}
	delete(sh.sessions, id)
	m.count.Dec()
	return true
}

// CloseAll 拒绝后续注册并关闭当前所有会话，回调不在锁内执行。
func (m *BaseSessionManager) CloseAll() {
	m.closed.Store(true)
	var all []Session
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.RLock()
		all = append(all, lo.Values(sh.sessions)...)
		sh.mu.RUnlock()
	}
	for _, sess := range all {
		_ = sess.Close()
	}
}

func (m *BaseSessionManager) Count() int {
	return int(m.count.Load())
}
