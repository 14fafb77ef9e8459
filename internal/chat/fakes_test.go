package chat

import (
	"context"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/lk2023060901/chat-garden-go/internal/bridge"
	"github.com/lk2023060901/chat-garden-go/internal/json"
	"github.com/lk2023060901/chat-garden-go/internal/network/session"
	"github.com/lk2023060901/chat-garden-go/internal/store"
	"github.com/lk2023060901/chat-garden-go/pkg/util/merr"
)

// memStore 是 Store 的内存实现。
type memStore struct {
	mu      sync.Mutex
	nextID  int64
	users   map[int64]store.User
	friends map[int64][]int64
	groups  map[int64]store.Group
	members map[int64]map[int64]string
	offline map[int64][]string

	// failOn 中的操作返回对应错误；failLeft 限定失败次数，未设置时一直失败。
	failOn   map[string]error
	failLeft map[string]int
	calls    map[string]int
}

func newMemStore() *memStore {
	return &memStore{
		users:   make(map[int64]store.User),
		friends: make(map[int64][]int64),
		groups:  make(map[int64]store.Group),
		members: make(map[int64]map[int64]string),
		offline:  make(map[int64][]string),
		failOn:   make(map[string]error),
		failLeft: make(map[string]int),
		calls:    make(map[string]int),
	}
}

// fail 记录一次调用并返回预设的错误，调用方持有 m.mu。
func (m *memStore) fail(op string) error {
	m.calls[op]++
	err, ok := m.failOn[op]
	if !ok {
		return nil
	}
	if n, limited := m.failLeft[op]; limited {
		if n <= 1 {
			delete(m.failOn, op)
			delete(m.failLeft, op)
		} else {
			m.failLeft[op] = n - 1
		}
	}
	return err
}

// setFail 让 op 失败 times 次，times 为 0 表示一直失败直到 clearFail。
func (m *memStore) setFail(op string, err error, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOn[op] = err
	delete(m.failLeft, op)
	if times > 0 {
		m.failLeft[op] = times
	}
}

func (m *memStore) clearFail(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failOn, op)
	delete(m.failLeft, op)
}

// callCount 返回全部操作的累计调用次数。
func (m *memStore) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for _, c := range m.calls {
		n += c
	}
	return n
}

func (m *memStore) QueryUserByID(_ context.Context, id int64) (store.User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("QueryUserByID"); err != nil {
		return store.User{}, false, err
	}
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *memStore) InsertUser(_ context.Context, user store.User) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("InsertUser"); err != nil {
		return 0, err
	}
	for _, u := range m.users {
		if u.Name == user.Name {
			return 0, merr.WrapErrUserAlreadyExists(user.Name)
		}
	}
	m.nextID++
	user.ID = m.nextID
	if user.State == "" {
		user.State = store.StateOffline
	}
	m.users[user.ID] = user
	return user.ID, nil
}

func (m *memStore) UpdateUserState(_ context.Context, id int64, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("UpdateUserState"); err != nil {
		return err
	}
	u, ok := m.users[id]
	if !ok {
		return merr.WrapErrUserNotFound(id)
	}
	u.State = state
	m.users[id] = u
	return nil
}

func (m *memStore) UpdatePassword(_ context.Context, id int64, hash, salt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("UpdatePassword"); err != nil {
		return err
	}
	u, ok := m.users[id]
	if !ok {
		return merr.WrapErrUserNotFound(id)
	}
	u.Password, u.Salt = hash, salt
	m.users[id] = u
	return nil
}

func (m *memStore) MarkOnline(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("MarkOnline"); err != nil {
		return false, err
	}
	u, ok := m.users[id]
	if !ok || u.State != store.StateOffline {
		return false, nil
	}
	u.State = store.StateOnline
	m.users[id] = u
	return true, nil
}

func (m *memStore) ResetStates(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ResetStates"); err != nil {
		return 0, err
	}
	var n int64
	for id, u := range m.users {
		if u.State == store.StateOnline {
			u.State = store.StateOffline
			m.users[id] = u
			n++
		}
	}
	return n, nil
}

func (m *memStore) QueryFriends(_ context.Context, id int64) ([]store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("QueryFriends"); err != nil {
		return nil, err
	}
	var out []store.User
	for _, fid := range m.friends[id] {
		out = append(out, m.users[fid])
	}
	return out, nil
}

func (m *memStore) InsertFriendEdge(_ context.Context, userID, friendID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("InsertFriendEdge"); err != nil {
		return err
	}
	if _, ok := m.users[friendID]; !ok {
		return merr.WrapErrUserNotFound(friendID)
	}
	for _, fid := range m.friends[userID] {
		if fid == friendID {
			return merr.WrapErrFriendAlreadyExists(userID, friendID)
		}
	}
	m.friends[userID] = append(m.friends[userID], friendID)
	return nil
}

func (m *memStore) CreateGroup(_ context.Context, group store.Group, creatorID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CreateGroup"); err != nil {
		return 0, err
	}
	for _, g := range m.groups {
		if g.Name == group.Name {
			return 0, merr.WrapErrGroupAlreadyExists(group.Name)
		}
	}
	m.nextID++
	group.ID = m.nextID
	m.groups[group.ID] = group
	m.members[group.ID] = map[int64]string{creatorID: store.RoleCreator}
	return group.ID, nil
}

func (m *memStore) AddMembership(_ context.Context, userID, groupID int64, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("AddMembership"); err != nil {
		return err
	}
	ms, ok := m.members[groupID]
	if !ok {
		return merr.WrapErrGroupNotFound(groupID)
	}
	if _, ok := ms[userID]; ok {
		return merr.WrapErrAlreadyGroupMember(userID, groupID)
	}
	ms[userID] = role
	return nil
}

func (m *memStore) QueryGroups(_ context.Context, userID int64) ([]store.GroupWithMembers, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("QueryGroups"); err != nil {
		return nil, err
	}
	var out []store.GroupWithMembers
	for gid, ms := range m.members {
		if _, ok := ms[userID]; !ok {
			continue
		}
		g := store.GroupWithMembers{Group: m.groups[gid]}
		for uid, role := range ms {
			g.Members = append(g.Members, store.GroupMember{User: m.users[uid], Role: role})
		}
		out = append(out, g)
	}
	return out, nil
}

func (m *memStore) QueryGroupMemberIDs(_ context.Context, groupID, excluding int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("QueryGroupMemberIDs"); err != nil {
		return nil, err
	}
	var out []int64
	for uid := range m.members[groupID] {
		if uid != excluding {
			out = append(out, uid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *memStore) QueryOfflineMessages(_ context.Context, id int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("QueryOfflineMessages"); err != nil {
		return nil, err
	}
	return append([]string(nil), m.offline[id]...), nil
}

func (m *memStore) DeleteOfflineMessages(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("DeleteOfflineMessages"); err != nil {
		return err
	}
	delete(m.offline, id)
	return nil
}

func (m *memStore) TakeOfflineMessages(_ context.Context, id int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("TakeOfflineMessages"); err != nil {
		return nil, err
	}
	out := m.offline[id]
	delete(m.offline, id)
	return out, nil
}

func (m *memStore) InsertOfflineMessage(_ context.Context, id int64, payload string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("InsertOfflineMessage"); err != nil {
		return err
	}
	m.offline[id] = append(m.offline[id], payload)
	return nil
}

func (m *memStore) state(id int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[id].State
}

func (m *memStore) pending(id int64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.offline[id]...)
}

// fakeSession 把 Send 的消息序列化后记录下来。
type fakeSession struct {
	id     uint64
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	sent [][]byte
}

var _ session.Session = (*fakeSession)(nil)

func newFakeSession() *fakeSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &fakeSession{id: session.NextID(), ctx: ctx, cancel: cancel}
}

func (s *fakeSession) ID() uint64               { return s.id }
func (s *fakeSession) Context() context.Context { return s.ctx }
func (s *fakeSession) RemoteAddr() net.Addr     { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000} }
func (s *fakeSession) LocalAddr() net.Addr      { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6000} }
func (s *fakeSession) OnConnected()             {}
func (s *fakeSession) OnDisconnected(error)     {}

func (s *fakeSession) Send(msg any) error {
	if s.ctx.Err() != nil {
		return merr.WrapErrNetworkSendFailed(s.id, "session closed")
	}
	var data []byte
	if raw, ok := msg.(json.RawMessage); ok {
		data = raw
	} else {
		out, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		data = out
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, data)
	return nil
}

func (s *fakeSession) Close() error {
	s.cancel()
	return nil
}

func (s *fakeSession) messages() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sent...)
}

// waitFor 等待会话收到 msgid 为 want 的第 n 条消息（从 0 开始），超时返回 nil。
func (s *fakeSession) waitFor(want int, timeout time.Duration) []byte {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, m := range s.messages() {
			if id, ok := json.PeekInt(m, "msgid"); ok && id == want {
				return m
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}

// fakeBridge 包装真实的 Bridge，记录调用次数并可注入发布失败。
type fakeBridge struct {
	bridge.Bridge

	mu         sync.Mutex
	publishErr error
	onPublish  func(channel int64)
	calls      map[string]int
}

func newFakeBridge(inner bridge.Bridge) *fakeBridge {
	return &fakeBridge{Bridge: inner, calls: make(map[string]int)}
}

func (b *fakeBridge) record(op string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[op]++
}

func (b *fakeBridge) count(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

func (b *fakeBridge) setPublishErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

func (b *fakeBridge) Publish(ctx context.Context, channel int64, payload []byte) error {
	b.record("Publish")
	b.mu.Lock()
	err, hook := b.publishErr, b.onPublish
	b.mu.Unlock()
	if hook != nil {
		hook(channel)
	}
	if err != nil {
		return err
	}
	return b.Bridge.Publish(ctx, channel, payload)
}

func (b *fakeBridge) Subscribe(ctx context.Context, channel int64) error {
	b.record("Subscribe")
	return b.Bridge.Subscribe(ctx, channel)
}

func (b *fakeBridge) Unsubscribe(ctx context.Context, channel int64) error {
	b.record("Unsubscribe")
	return b.Bridge.Unsubscribe(ctx, channel)
}
