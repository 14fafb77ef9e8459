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
	"time"

	"github.com/cenkalti/backoff/v4"
)

type config struct {
	// attempts 为 0 表示不限次数。
	attempts   uint
	sleep      time.Duration
	maxSleep   time.Duration
	isRetryErr func(err error) bool
}

func newDefaultConfig() *config {
	return &config{
		attempts: 10,
		sleep:    200 * time.Millisecond,
		maxSleep: 3 * time.Second,
	}
}

// policy 生成不带抖动、逐次翻倍的休眠间隔。
func (c *config) policy() backoff.BackOff {
	maxSleep := c.maxSleep
	if maxSleep < 2*c.sleep {
		maxSleep = 2 * c.sleep
	}
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.sleep),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxInterval(maxSleep),
		backoff.WithMaxElapsedTime(0),
	)
}

// Option 调整 Do 的重试行为。
type Option func(*config)

// Attempts 为最多执行 fn 的次数，0 表示一直重试直到 ctx 结束。
func Attempts(n uint) Option {
	return func(c *config) { c.attempts = n }
}

// Sleep 为第一次重试前的休眠时间，之后逐次翻倍。
func Sleep(d time.Duration) Option {
	return func(c *config) { c.sleep = d }
}

// MaxSleepTime 为单次休眠的上限，不会小于 Sleep 的两倍。
func MaxSleepTime(d time.Duration) Option {
	return func(c *config) { c.maxSleep = d }
}

// RetryErr 只对 isRetryErr 返回 true 的错误继续重试，例如 merr.IsRetryableErr。
func RetryErr(isRetryErr func(err error) bool) Option {
	return func(c *config) { c.isRetryErr = isRetryErr }
}
