package chat

import (
	"sync"

	"github.com/samber/lo"

	"github.com/lk2023060901/chat-garden-go/internal/network/session"
	"github.com/lk2023060901/chat-garden-go/pkg/metrics"
	"github.com/lk2023060901/chat-garden-go/pkg/util/merr"
)

const userStripes = 64

// Directory 是本节点的在线用户表：userID -> 会话，以及会话 -> userID 的反向索引。
//
// 每个用户至多一个会话。写会话（Send）不在 mu 内进行；
// 同一用户的登录、注销与投递决策通过 LockUser 串行化。
type Directory struct {
	mu        sync.RWMutex
	byUser    map[int64]session.Session
	bySession map[uint64]int64

	stripes [userStripes]sync.Mutex
}

func NewDirectory() *Directory {
	return &Directory{
		byUser:    make(map[int64]session.Session),
		bySession: make(map[uint64]int64),
	}
}

// Add 绑定用户与会话，用户已在线时返回 ErrUserAlreadyOnline。
func (d *Directory) Add(uid int64, sess session.Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.byUser[uid]; ok {
		return merr.WrapErrUserAlreadyOnline(uid)
	}
	if bound, ok := d.bySession[sess.ID()]; ok {
		return merr.WrapErrUserAlreadyOnline(bound)
	}
	d.byUser[uid] = sess
	d.bySession[sess.ID()] = uid
	metrics.OnlineSessions.Inc()
	return nil
}

func (d *Directory) Get(uid int64) (session.Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	sess, ok := d.byUser[uid]
	return sess, ok
}

// UserOf 返回会话绑定的用户。
func (d *Directory) UserOf(sess session.Session) (int64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	uid, ok := d.bySession[sess.ID()]
	return uid, ok
}

// Remove 仅当 uid 仍然绑定在 sess 上时删除，返回是否删除。
func (d *Directory) Remove(uid int64, sess session.Session) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.byUser[uid]
	if !ok || cur.ID() != sess.ID() {
		return false
	}
	delete(d.byUser, uid)
	delete(d.bySession, sess.ID())
	metrics.OnlineSessions.Dec()
	return true
}

// RemoveBySession 删除会话对应的绑定，返回被删除的用户。
func (d *Directory) RemoveBySession(sess session.Session) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	uid, ok := d.bySession[sess.ID()]
	if !ok {
		return 0, false
	}
	delete(d.bySession, sess.ID())
	delete(d.byUser, uid)
	metrics.OnlineSessions.Dec()
	return uid, true
}

func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byUser)
}

func (d *Directory) UserIDs() []int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return lo.Keys(d.byUser)
}

// LockUser 锁住 uid 所在的分段并返回解锁函数。
// 不同用户可能落在同一分段，持有期间不能再对其他用户调用 LockUser。
func (d *Directory) LockUser(uid int64) func() {
	m := &d.stripes[uint64(uid)%userStripes]
	m.Lock()
	return m.Unlock
}
