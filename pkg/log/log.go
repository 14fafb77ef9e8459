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
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"gopkg.in/natefinch/lumberjack.v2"
)

// registry 是当前生效的全局 Logger 及其分级副本，整体替换。
type registry struct {
	logger  *zap.Logger
	props   *ZapProperties
	leveled [zapcore.FatalLevel - zapcore.DebugLevel + 1]*zap.Logger
}

var global atomic.Pointer[registry]

func init() {
	conf := &Config{Level: "info", Stdout: true, DisableErrorVerbose: true}
	lg, props, err := InitLogger(conf, zap.OnFatal(zapcore.WriteThenPanic))
	if err != nil {
		panic(err)
	}
	ReplaceGlobals(lg, props)
	setRateLimiter(rateLimiterFromEnv())
}

// InitLogger 按配置构造 Logger。文件输出经 lumberjack 滚动，
// 文件和标准输出都未开启时日志直接丢弃。
func InitLogger(cfg *Config, opts ...zap.Option) (*zap.Logger, *ZapProperties, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	sinks := make([]zapcore.WriteSyncer, 0, 2)
	if cfg.File.Filename != "" {
		roller, err := newRoller(&cfg.File)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, zapcore.AddSync(roller))
	}
	if cfg.Stdout {
		stdout, _, err := zap.Open("stdout")
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, stdout)
	}
	var out zapcore.WriteSyncer = zapcore.AddSync(discard{})
	if len(sinks) > 0 {
		out = zap.CombineWriteSyncers(sinks...)
	}

	lg, props := build(cfg, out, opts...)
	props.Level.SetLevel(level)
	return lg.WithOptions(zap.AddCallerSkip(1)), props, nil
}

// InitTestLogger 构造一个把日志写入 t.Log 的 Logger，zap 自身的错误会让用例失败。
func InitTestLogger(t zaptest.TestingT, cfg *Config, opts ...zap.Option) (*zap.Logger, *ZapProperties, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	opts = append([]zap.Option{zap.ErrorOutput(testWriter{t: t, fail: true})}, opts...)
	lg, props := build(cfg, testWriter{t: t}, opts...)
	props.Level.SetLevel(level)
	return lg, props, nil
}

// build 以 debug 级别构造 core，真实级别由调用方写入 AtomicLevel，
// 这样分级副本可以随全局级别动态调整。
func build(cfg *Config, out zapcore.WriteSyncer, opts ...zap.Option) (*zap.Logger, *ZapProperties) {
	level := zap.NewAtomicLevelAt(zapcore.DebugLevel)
	core := zapcore.NewCore(newZapEncoder(cfg), out, level)
	lg := zap.New(core, append(cfg.buildOptions(out), opts...)...)
	return lg, &ZapProperties{Core: core, Syncer: out, Level: level}
}

func parseLevel(name string) (zapcore.Level, error) {
	switch strings.ToLower(name) {
	case "":
		return zapcore.InfoLevel, nil
	case "trace":
		return zapcore.DebugLevel, nil
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return level, errors.Wrapf(err, "invalid log level %q", name)
	}
	return level, nil
}

func newRoller(cfg *FileLogConfig) (*lumberjack.Logger, error) {
	path := filepath.Join(cfg.RootPath, cfg.Filename)
	if st, err := os.Stat(path); err == nil && st.IsDir() {
		return nil, errors.Newf("log file %s is a directory", path)
	}
	maxSize := cfg.MaxSize
	if maxSize == 0 {
		maxSize = defaultLogMaxSize
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxDays,
		LocalTime:  true,
	}, nil
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
func (discard) Sync() error                 { return nil }

type testWriter struct {
	t    zaptest.TestingT
	fail bool
}

func (w testWriter) Write(p []byte) (int, error) {
	// t.Log 自带换行。
	w.t.Logf("%s", bytes.TrimRight(p, "\n"))
	if w.fail {
		w.t.Fail()
	}
	return len(p), nil
}

func (testWriter) Sync() error { return nil }

// L 返回全局 Logger，并发安全。
func L() *zap.Logger {
	return global.Load().logger
}

// atLevel 返回全局 Logger 在当前级别下的副本，供 ctx 绑定使用。
func atLevel() *zap.Logger {
	r := global.Load()
	lvl := r.props.Level.Level()
	if lvl < zapcore.DebugLevel || lvl > zapcore.FatalLevel {
		return r.leveled[0]
	}
	return r.leveled[lvl-zapcore.DebugLevel]
}

// ReplaceGlobals 替换全局 Logger，InitLogger 的返回值可直接传入。
func ReplaceGlobals(logger *zap.Logger, props *ZapProperties) {
	r := &registry{logger: logger, props: props}
	// 分级副本经 Ctx 直接调用，不经过包级函数那一层。
	direct := logger.WithOptions(zap.AddCallerSkip(-1))
	for lvl := zapcore.DebugLevel; lvl <= zapcore.FatalLevel; lvl++ {
		// 低于 core 当前级别时 IncreaseLevel 会报错，直接复用原 Logger。
		if logger.Core().Enabled(lvl) {
			r.leveled[lvl-zapcore.DebugLevel] = direct.WithOptions(zap.IncreaseLevel(lvl))
		} else {
			r.leveled[lvl-zapcore.DebugLevel] = direct
		}
	}
	global.Store(r)
}

// Sync 刷新全局 Logger 的缓冲。
func Sync() error {
	return L().Sync()
}

// SetLevel 动态调整全局日志级别。
func SetLevel(l zapcore.Level) {
	global.Load().props.Level.SetLevel(l)
}

func GetLevel() zapcore.Level {
	return global.Load().props.Level.Level()
}
