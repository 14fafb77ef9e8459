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
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	defaultLogMaxSize = 300 // 单位 MB。

	FormatJSON    = "json"
	FormatConsole = "console"
)

// FileLogConfig 描述滚动文件日志。
type FileLogConfig struct {
	// RootPath 为日志目录。
	RootPath string `mapstructure:"rootpath" json:"rootpath"`
	// Filename 为空表示不写文件。
	Filename string `mapstructure:"filename" json:"filename"`
	// MaxSize 单个文件上限，单位 MB。
	MaxSize int `mapstructure:"max-size" json:"max-size"`
	// MaxDays 保留天数，0 表示不按时间清理。
	MaxDays int `mapstructure:"max-days" json:"max-days"`
	// MaxBackups 最多保留的历史文件数。
	MaxBackups int `mapstructure:"max-backups" json:"max-backups"`
}

// Config 为日志配置，可由 viper 直接反序列化。
type Config struct {
	Level  string `mapstructure:"level" json:"level"`
	Format string `mapstructure:"format" json:"format"`
	// Stdout 为 true 时同时输出到标准输出。
	Stdout bool          `mapstructure:"stdout" json:"stdout"`
	File   FileLogConfig `mapstructure:"file" json:"file"`

	Development         bool `mapstructure:"development" json:"development"`
	DisableTimestamp    bool `mapstructure:"disable-timestamp" json:"disable-timestamp"`
	DisableCaller       bool `mapstructure:"disable-caller" json:"disable-caller"`
	DisableStacktrace   bool `mapstructure:"disable-stacktrace" json:"disable-stacktrace"`
	DisableErrorVerbose bool `mapstructure:"disable-error-verbose" json:"disable-error-verbose"`

	// Sampling 以“每秒”为单位限制日志量，语义同 zapcore.NewSamplerWithOptions。
	Sampling *zap.SamplingConfig `mapstructure:"sampling" json:"sampling"`
}

// ZapProperties 记录一个 Logger 的核心组成。
type ZapProperties struct {
	Core   zapcore.Core
	Syncer zapcore.WriteSyncer
	Level  zap.AtomicLevel
}

func newZapEncoder(cfg *Config) zapcore.Encoder {
	encCfg := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "name",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stack",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05.000 -07:00"),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if cfg.DisableTimestamp {
		encCfg.TimeKey = ""
	}
	if strings.EqualFold(cfg.Format, FormatJSON) {
		return zapcore.NewJSONEncoder(encCfg)
	}
	return zapcore.NewConsoleEncoder(encCfg)
}

func (cfg *Config) buildOptions(errSink zapcore.WriteSyncer) []zap.Option {
	opts := []zap.Option{zap.ErrorOutput(errSink)}

	if cfg.Development {
		opts = append(opts, zap.Development())
	}
	if !cfg.DisableCaller {
		opts = append(opts, zap.AddCaller())
	}

	stackLevel := zap.ErrorLevel
	if cfg.Development {
		stackLevel = zap.WarnLevel
	}
	if !cfg.DisableStacktrace {
		opts = append(opts, zap.AddStacktrace(stackLevel))
	}

	if cfg.Sampling != nil {
		opts = append(opts, zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewSamplerWithOptions(core, time.Second, cfg.Sampling.Initial, cfg.Sampling.Thereafter, zapcore.SamplerHook(cfg.Sampling.Hook))
		}))
	}
	return opts
}
