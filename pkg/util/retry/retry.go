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
	"runtime"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/chat-garden-go/pkg/log"
	"github.com/lk2023060901/chat-garden-go/pkg/util/merr"
)

func caller() string {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return "unknown"
	}
	return file + ":" + strconv.Itoa(line)
}

// Do 执行 fn 直到成功、次数用尽或 ctx 结束，返回最后一次有意义的错误。
// fn 返回 Unrecoverable 包装的错误，或剩余时间不够下一次休眠时立即返回。
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := newDefaultConfig()
	for _, opt := range opts {
		opt(c)
	}
	logger := log.Ctx(ctx).With(zap.String("caller", caller()))
	policy := c.policy()

	// ctx 取消导致的失败不覆盖之前的真实错误。
	pick := func(err, last error) error {
		if last != nil && merr.IsCanceledOrTimeout(err) {
			return last
		}
		return err
	}

	var lastErr error
	for attempt := uint(1); c.attempts == 0 || attempt <= c.attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsRecoverable(err) || (c.isRetryErr != nil && !c.isRetryErr(err)) {
			logger.Warn("retry func failed, not retryable", zap.Uint("attempt", attempt), zap.Error(err))
			return pick(err, lastErr)
		}
		lastErr = pick(err, lastErr)
		if attempt%4 == 1 {
			logger.Warn("retry func failed", zap.Uint("attempt", attempt), zap.Error(err))
		}
		if c.attempts != 0 && attempt == c.attempts {
			break
		}

		wait := policy.NextBackOff()
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < wait {
			return lastErr
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		}
	}
	logger.Warn("retry func failed, reach max attempts", zap.Uint("attempts", c.attempts), zap.Error(lastErr))
	return lastErr
}

// Unrecoverable 标记 err 不再重试，Do 会原样返回它。
func Unrecoverable(err error) error {
	return backoff.Permanent(err)
}

func IsRecoverable(err error) bool {
	var perm *backoff.PermanentError
	return !errors.As(err, &perm)
}
