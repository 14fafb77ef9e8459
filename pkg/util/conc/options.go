// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package conc

import (
	"time"

	ants "github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/lk2023060901/chat-garden-go/pkg/log"
)

// PoolOption 调整 NewPool 构造的协程池。
type PoolOption func(*poolOption)

type poolOption struct {
	preAlloc    bool
	nonBlocking bool
	// expiry 为 0 时使用 ants 的默认清理间隔。
	expiry time.Duration
	// concealPanic 为 false 时任务 panic 会在记录日志后继续向上抛出。
	concealPanic bool
	preHandler   func()
}

func (o *poolOption) antsOptions() []ants.Option {
	opts := []ants.Option{
		ants.WithPreAlloc(o.preAlloc),
		ants.WithNonblocking(o.nonBlocking),
		ants.WithPanicHandler(o.onPanic),
	}
	if o.expiry > 0 {
		opts = append(opts, ants.WithExpiryDuration(o.expiry))
	}
	return opts
}

// onPanic 由 ants 在 worker 内 recover 后调用，此时 Future 已经以错误结束。
func (o *poolOption) onPanic(v any) {
	log.Error("conc pool task panicked", zap.Any("panic", v), zap.Stack("stack"))
	if !o.concealPanic {
		panic(v)
	}
}

// WithPreAlloc 预先创建全部 worker，适合容量固定的消息处理池。
func WithPreAlloc(v bool) PoolOption {
	return func(o *poolOption) { o.preAlloc = v }
}

// WithNonBlocking 使池满时 Submit 立即失败而不是等待空闲 worker。
func WithNonBlocking(v bool) PoolOption {
	return func(o *poolOption) { o.nonBlocking = v }
}

func WithExpiryDuration(d time.Duration) PoolOption {
	return func(o *poolOption) { o.expiry = d }
}

// WithConcealPanic 吞掉任务 panic，只记日志。
func WithConcealPanic(v bool) PoolOption {
	return func(o *poolOption) { o.concealPanic = v }
}

// WithPreHandler 在每个任务执行前调用 fn。
func WithPreHandler(fn func()) PoolOption {
	return func(o *poolOption) { o.preHandler = fn }
}
