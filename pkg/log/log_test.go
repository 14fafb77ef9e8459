package log

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestInitLoggerLevel(t *testing.T) {
	lg, props, err := InitLogger(&Config{Level: "warn", Format: FormatJSON})
	require.NoError(t, err)
	require.NotNil(t, lg)
	assert.Equal(t, zapcore.WarnLevel, props.Level.Level())
	assert.False(t, lg.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, lg.Core().Enabled(zapcore.ErrorLevel))
}

func TestInitLoggerBadLevel(t *testing.T) {
	_, _, err := InitLogger(&Config{Level: "loud"})
	assert.Error(t, err)
}

func TestInitLoggerRejectsDirectory(t *testing.T) {
	dir := t.TempDir()
	_, _, err := InitLogger(&Config{Level: "info", File: FileLogConfig{RootPath: dir, Filename: "."}})
	assert.Error(t, err)
}

func TestCtxFields(t *testing.T) {
	lg, props, err := InitTestLogger(t, &Config{Level: "debug"})
	require.NoError(t, err)
	prev := global.Load()
	ReplaceGlobals(lg, props)
	defer global.Store(prev)

	ctx := WithUser(WithSession(context.Background(), 7), 13)
	l := Ctx(ctx)
	require.NotNil(t, l)
	assert.NotSame(t, Ctx(context.Background()), l)
	assert.Same(t, l, Ctx(ctx))
	l.Info("login", zap.String("name", "alice"))
}

func TestLeveledCopiesFollowGlobalLevel(t *testing.T) {
	lg, props, err := InitTestLogger(t, &Config{Level: "warn"})
	require.NoError(t, err)
	prev := global.Load()
	ReplaceGlobals(lg, props)
	defer global.Store(prev)

	assert.Equal(t, zapcore.WarnLevel, GetLevel())
	assert.False(t, Ctx(context.Background()).Core().Enabled(zapcore.InfoLevel))

	SetLevel(zapcore.ErrorLevel)
	assert.False(t, Ctx(context.Background()).Core().Enabled(zapcore.WarnLevel))
	assert.True(t, Ctx(context.Background()).Core().Enabled(zapcore.ErrorLevel))
}

func TestStartIntent(t *testing.T) {
	ctx, span := StartIntent(context.Background(), "chatserver", "init")
	defer span.End()
	assert.NotSame(t, Ctx(context.Background()), Ctx(ctx))
}

func TestRateGroup(t *testing.T) {
	l := With(FieldModule("test")).WithRateGroup("test.rate", 1, 1)
	assert.True(t, l.RatedInfo(1, "first"))
	assert.False(t, l.RatedInfo(1, "second"))
}

func TestBinderFallback(t *testing.T) {
	var b Binder
	assert.NotNil(t, b.Logger())
	ml := With(FieldComponent("pool"))
	b.SetLogger(ml)
	assert.Same(t, ml, b.Logger())
}
