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

package log

import (
	"sync"
	"sync/atomic"

	"github.com/uber/jaeger-client-go/utils"
	"go.uber.org/zap"
)

// 同名分组共享一个限流器，WithRateGroup 重复调用时更新其参数。
var rateGroups sync.Map // string -> *utils.ReconfigurableRateLimiter

// MLogger 是带可选限流分组的 zap.Logger。
// 心跳、投递失败这类高频日志走 Rated* 方法。
type MLogger struct {
	*zap.Logger
	group atomic.Pointer[utils.ReconfigurableRateLimiter]
}

// With 派生新的 MLogger，不继承限流分组。
func (l *MLogger) With(fields ...zap.Field) *MLogger {
	return &MLogger{Logger: l.Logger.WithLazy(fields...)}
}

func (l *MLogger) WithRateGroup(name string, creditPerSecond, maxBalance float64) *MLogger {
	fresh := utils.NewRateLimiter(creditPerSecond, maxBalance)
	actual, loaded := rateGroups.LoadOrStore(name, fresh)
	rl := actual.(*utils.ReconfigurableRateLimiter)
	if loaded {
		rl.Update(creditPerSecond, maxBalance)
	}
	l.group.Store(rl)
	return l
}

func (l *MLogger) limiter() RateLimiter {
	if rl := l.group.Load(); rl != nil {
		return rl
	}
	return R()
}

func (l *MLogger) rated(cost float64) (*zap.Logger, bool) {
	if !l.limiter().CheckCredit(cost) {
		return nil, false
	}
	return l.WithOptions(zap.AddCallerSkip(1)), true
}

func (l *MLogger) RatedDebug(cost float64, msg string, fields ...zap.Field) bool {
	lg, ok := l.rated(cost)
	if ok {
		lg.Debug(msg, fields...)
	}
	return ok
}

func (l *MLogger) RatedInfo(cost float64, msg string, fields ...zap.Field) bool {
	lg, ok := l.rated(cost)
	if ok {
		lg.Info(msg, fields...)
	}
	return ok
}

// RatedWarn 限流通过时输出并返回 true。
func (l *MLogger) RatedWarn(cost float64, msg string, fields ...zap.Field) bool {
	lg, ok := l.rated(cost)
	if ok {
		lg.Warn(msg, fields...)
	}
	return ok
}

// Binder 嵌入连接池、桥接器这类长生命周期组件，由装配方注入带组件字段的 Logger。
type Binder struct {
	logger atomic.Pointer[MLogger]
}

func (b *Binder) SetLogger(logger *MLogger) {
	b.logger.Store(logger)
}

// Logger 未注入时退回全局 Logger。
func (b *Binder) Logger() *MLogger {
	if l := b.logger.Load(); l != nil {
		return l
	}
	return With()
}
