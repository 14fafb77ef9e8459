package main

import (
	"context"
	"fmt"
	"os"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"

	"github.com/lk2023060901/chat-garden-go/application"
	"github.com/lk2023060901/chat-garden-go/internal/server"
	"github.com/lk2023060901/chat-garden-go/pkg/log"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chatserver: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	app := application.New()
	if err := app.Init(); err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := app.SignalContext(context.Background())
	defer stop()

	srv := server.New(app.Settings())
	srv.SetLogger(app.Logger("chat").With(log.FieldComponent("server")))
	if err := srv.Init(ctx); err != nil {
		log.Error("chat server init failed", zap.Error(err))
		return err
	}
	if err := srv.Run(ctx); err != nil {
		log.Error("chat server exited with error", zap.Error(err))
		return err
	}
	return nil
}
