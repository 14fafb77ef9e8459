// Copyright (C) 2019-2020 Zilliz. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software distributed under the License
// is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express
// or implied. See the License for the specific language governing permissions and limitations under the License.

package retry

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"

	"github.com/lk2023060901/chat-garden-go/pkg/util/merr"
)

func TestDoSucceedsAfterFailures(t *testing.T) {
	n := 0
	err := Do(context.Background(), func() error {
		n++
		if n < 3 {
			return errors.New("not yet")
		}
		return nil
	}, Attempts(5), Sleep(time.Millisecond))
	assert.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestDoReachesMaxAttempts(t *testing.T) {
	n := 0
	err := Do(context.Background(), func() error {
		n++
		return errors.New("always")
	}, Attempts(3), Sleep(time.Millisecond))
	assert.Error(t, err)
	assert.Equal(t, 3, n)
}

func TestDoUnrecoverable(t *testing.T) {
	n := 0
	err := Do(context.Background(), func() error {
		n++
		return Unrecoverable(merr.ErrPoolClosed)
	}, Attempts(5), Sleep(time.Millisecond))
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, err, merr.ErrPoolClosed)
	assert.False(t, IsRecoverable(err))
}

func TestDoRetryErrFilter(t *testing.T) {
	n := 0
	err := Do(context.Background(), func() error {
		n++
		return merr.ErrUserNotFound
	}, Attempts(5), Sleep(time.Millisecond), RetryErr(merr.IsRetryableErr))
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, err, merr.ErrUserNotFound)
}

func TestDoCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := Do(ctx, func() error {
		called = true
		return nil
	})
	assert.False(t, called)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDoStopsOnCtxDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, func() error {
		return errors.New("down")
	}, Attempts(0), Sleep(5*time.Millisecond))
	assert.EqualError(t, err, "down")
}

func TestPolicyDoublesUpToMax(t *testing.T) {
	c := newDefaultConfig()
	Sleep(10 * time.Millisecond)(c)
	MaxSleepTime(35 * time.Millisecond)(c)
	p := c.policy()
	assert.Equal(t, 10*time.Millisecond, p.NextBackOff())
	assert.Equal(t, 20*time.Millisecond, p.NextBackOff())
	assert.Equal(t, 35*time.Millisecond, p.NextBackOff())
	assert.Equal(t, 35*time.Millisecond, p.NextBackOff())

	// 上限不小于首次休眠的两倍。
	MaxSleepTime(time.Millisecond)(c)
	p = c.policy()
	p.NextBackOff()
	assert.Equal(t, 20*time.Millisecond, p.NextBackOff())
}
