package chat

import (
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/chat-garden-go/pkg/util/merr"
)

func TestDirectoryAddGetRemove(t *testing.T) {
	d := NewDirectory()
	a, b := newFakeSession(), newFakeSession()

	require.NoError(t, d.Add(1, a))
	err := d.Add(1, b)
	assert.True(t, errors.Is(err, merr.ErrUserAlreadyOnline))
	// 同一会话不能绑定第二个用户。
	assert.Error(t, d.Add(2, a))

	got, ok := d.Get(1)
	require.True(t, ok)
	assert.Equal(t, a.ID(), got.ID())
	uid, ok := d.UserOf(a)
	assert.True(t, ok)
	assert.EqualValues(t, 1, uid)

	// 只有当前绑定的会话才能删除。
	assert.False(t, d.Remove(1, b))
	assert.True(t, d.Remove(1, a))
	assert.False(t, d.Remove(1, a))
	assert.Zero(t, d.Count())
}

func TestDirectoryRemoveBySession(t *testing.T) {
	d := NewDirectory()
	a, b := newFakeSession(), newFakeSession()
	require.NoError(t, d.Add(1, a))
	require.NoError(t, d.Add(2, b))
	assert.ElementsMatch(t, []int64{1, 2}, d.UserIDs())

	uid, ok := d.RemoveBySession(b)
	assert.True(t, ok)
	assert.EqualValues(t, 2, uid)
	_, ok = d.RemoveBySession(b)
	assert.False(t, ok)
	assert.Equal(t, 1, d.Count())
}

func TestDirectoryLockUserSerializes(t *testing.T) {
	d := NewDirectory()
	unlock := d.LockUser(7)

	acquired := make(chan struct{})
	go func() {
		u := d.LockUser(7)
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second LockUser acquired while first held")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("LockUser not released")
	}
}

func TestDirectoryConcurrentAdd(t *testing.T) {
	d := NewDirectory()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d.Add(42, newFakeSession()) == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
	assert.Equal(t, 1, d.Count())
}
