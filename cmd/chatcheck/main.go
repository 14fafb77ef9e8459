// chatcheck 以普通客户端的身份登录聊天节点并保持心跳，用于部署后的连通性检查。
//
//	chatcheck -addr 127.0.0.1:6000 -id 1 -pwd secret1 -to 2 -msg hello
//	chatcheck -ws ws://127.0.0.1:6080/ws -id 1 -pwd secret1
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/chat-garden-go/internal/chat"
	"github.com/lk2023060901/chat-garden-go/internal/json"
	"github.com/lk2023060901/chat-garden-go/internal/network/connector"
	"github.com/lk2023060901/chat-garden-go/pkg/util/conc"
)

var (
	addr      = flag.String("addr", "127.0.0.1:6000", "tcp address of the chat server")
	wsURL     = flag.String("ws", "", "websocket url, overrides -addr when set")
	userID    = flag.Int64("id", 0, "user id to log in with")
	password  = flag.String("pwd", "", "password")
	toID      = flag.Int64("to", 0, "send one message to this user after login")
	message   = flag.String("msg", "hello", "message body used with -to")
	heartbeat = flag.Duration("heartbeat", 30*time.Second, "heart check interval")
)

func main() {
	flag.Parse()
	if *userID <= 0 || *password == "" {
		fmt.Fprintln(os.Stderr, "chatcheck: -id and -pwd are required")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 断线后按指数退避重连，直到收到退出信号。
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		err := session(ctx)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		fmt.Printf("[check] disconnected: %v, reconnect in %v\n", err, d)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "chatcheck: %v\n", err)
		os.Exit(1)
	}
}

func dial(ctx context.Context) (connector.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cfg := connector.Config{WriteTimeout: 5 * time.Second}
	if *wsURL != "" {
		return connector.NewWSConnector(cfg).Dial(dialCtx, *wsURL)
	}
	return connector.NewTCPConnector(cfg).Dial(dialCtx, *addr)
}

// session 完成一次连接的完整生命周期：登录、可选的单聊、心跳与打印收到的消息。
func session(ctx context.Context) error {
	conn, err := dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	fmt.Printf("[check] connected: remote=%v local=%v\n", conn.RemoteAddr(), conn.LocalAddr())

	if err := conn.Send(chat.LoginRequest{MsgID: chat.MsgLogin, ID: *userID, Password: *password}); err != nil {
		return err
	}
	payload, err := conn.Recv(ctx)
	if err != nil {
		return err
	}
	var ack chat.LoginAck
	if err := json.Unmarshal(payload, &ack); err != nil {
		return err
	}
	if ack.Errno != 0 {
		return backoff.Permanent(errors.Newf("login rejected: errno=%d %s", ack.Errno, ack.ErrMsg))
	}
	fmt.Printf("[check] logged in as %s: %d friends, %d groups, %d offline messages\n",
		ack.Name, len(ack.Friends), len(ack.Groups), len(ack.OfflineMsg))
	for _, m := range ack.OfflineMsg {
		fmt.Printf("[check] offline: %s\n", m)
	}

	if *toID > 0 {
		req := chat.ChatRequest{MsgID: chat.MsgOneChat, ID: *userID, Name: ack.Name, ToID: *toID, Msg: *message}
		if err := conn.Send(req); err != nil {
			return err
		}
	}

	conc.Go(func() (struct{}, error) {
		ticker := time.NewTicker(*heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-conn.Context().Done():
				return struct{}{}, nil
			case <-ticker.C:
				if err := conn.Send(chat.IDRequest{MsgID: chat.MsgHeartCheck, ID: *userID}); err != nil {
					fmt.Printf("[check] heart check failed: %v\n", err)
				}
			}
		}
	})

	for {
		payload, err := conn.Recv(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("[check] recv: %s\n", payload)
	}
}
