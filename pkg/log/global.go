// Copyright 2019 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.


package log

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/uber/jaeger-client-go/utils"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ctxKey struct{}

// RateLimiter 是限流日志使用的最小接口，jaeger 的 ReconfigurableRateLimiter 满足它。
type RateLimiter interface {
	CheckCredit(delta float64) bool
}

type unlimited struct{}

func (unlimited) CheckCredit(float64) bool { return true }

var globalRL atomic.Value

func setRateLimiter(rl RateLimiter) {
	globalRL.Store(&rl)
}

// R 返回全局日志限流器，未开启时永不丢弃。
func R() RateLimiter {
	if p, ok := globalRL.Load().(*RateLimiter); ok {
		return *p
	}
	return unlimited{}
}

// rateLimiterFromEnv 读取 CHAT_LOG_RATE_ENABLE、CHAT_LOG_RATE_CREDIT_PER_SECOND
// 与 CHAT_LOG_RATE_MAX_BALANCE。
func rateLimiterFromEnv() RateLimiter {
	switch strings.ToLower(os.Getenv("CHAT_LOG_RATE_ENABLE")) {
	case "1", "true", "yes", "on":
	default:
		return unlimited{}
	}
	return utils.NewRateLimiter(
		envFloat("CHAT_LOG_RATE_CREDIT_PER_SECOND", 1),
		envFloat("CHAT_LOG_RATE_MAX_BALANCE", 60),
	)
}

func envFloat(key string, def float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(key)), 64)
	if err != nil {
		return def
	}
	return f
}

// Debug 写全局 Logger。已有 ctx 的路径请用 Ctx(ctx).Debug，以带上连接与用户字段。
func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { L().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { L().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }
func Fatal(msg string, fields ...zap.Field) { L().Fatal(msg, fields...) }

// With 派生一个子 Logger，字段在第一次真正写日志时才编码。
func With(fields ...zap.Field) *MLogger {
	return &MLogger{Logger: L().WithLazy(fields...).WithOptions(zap.AddCallerSkip(-1))}
}

// WithTraceID 在 ctx 的 Logger 上附加 traceID，每条连接接入时调用一次。
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return WithFields(ctx, zap.String("traceID", traceID))
}

func WithSession(ctx context.Context, sessionID uint64) context.Context {
	return WithFields(ctx, FieldSession(sessionID))
}

// WithUser 登录成功后调用。
func WithUser(ctx context.Context, userID int64) context.Context {
	return WithFields(ctx, FieldUser(userID))
}

// WithFields 返回一个 Logger 附加了 fields 的新 ctx，原 ctx 不变。
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	base := atLevel()
	if ml, ok := ctx.Value(ctxKey{}).(*MLogger); ok {
		base = ml.Logger
	}
	return context.WithValue(ctx, ctxKey{}, &MLogger{Logger: base.With(fields...)})
}

// StartIntent 在 parent 上开启一个 span，并把 role、intent 和 span 的 traceID 绑定到 ctx 的 Logger。
// 用于节点启动、停机这类跨多个组件的流程。
func StartIntent(parent context.Context, role, intent string) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(role).Start(parent, intent)
	ctx = WithFields(ctx,
		zap.String("role", role),
		zap.String("intent", intent),
		zap.String("traceID", span.SpanContext().TraceID().String()))
	return ctx, span
}

// Ctx 返回 ctx 上绑定的 Logger，没有则返回全局 Logger。
func Ctx(ctx context.Context) *MLogger {
	if ctx != nil {
		if ml, ok := ctx.Value(ctxKey{}).(*MLogger); ok {
			return ml
		}
	}
	return &MLogger{Logger: atLevel()}
}
