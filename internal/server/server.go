// Package server 组装聊天节点：存储、etcd、节点注册、在线状态桥接、聊天服务、
// TCP/WebSocket 接入以及管理端 HTTP，并负责按相反顺序优雅关闭。
package server

import (
	"context"
	"database/sql"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/blang/semver/v4"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lk2023060901/chat-garden-go/internal/bridge"
	"github.com/lk2023060901/chat-garden-go/internal/chat"
	"github.com/lk2023060901/chat-garden-go/internal/cluster"
	"github.com/lk2023060901/chat-garden-go/internal/config"
	"github.com/lk2023060901/chat-garden-go/internal/network/acceptor"
	"github.com/lk2023060901/chat-garden-go/internal/network/codec"
	"github.com/lk2023060901/chat-garden-go/internal/network/compressor"
	"github.com/lk2023060901/chat-garden-go/internal/network/framer"
	"github.com/lk2023060901/chat-garden-go/internal/storage/db"
	"github.com/lk2023060901/chat-garden-go/internal/storage/pool"
	"github.com/lk2023060901/chat-garden-go/internal/store"
	"github.com/lk2023060901/chat-garden-go/pkg/log"
	"github.com/lk2023060901/chat-garden-go/pkg/metrics"
	"github.com/lk2023060901/chat-garden-go/pkg/util/conc"
	etcdutil "github.com/lk2023060901/chat-garden-go/pkg/util/etcd"
)

// Server 是一个完整的聊天节点。
type Server struct {
	log.Binder

	cfg      *config.Config
	registry *prometheus.Registry

	sqlDB    *sql.DB
	connPool *pool.Pool[*db.Conn]
	store    chat.Store

	etcdCli   *clientv3.Client
	embedEtcd bool
	node      *cluster.Node
	watcher   *cluster.NodeWatcher
	nodes     *nodeView

	bridge  bridge.Bridge
	svc     *chat.Service
	workers *conc.Pool[struct{}]
	handler *sessionHandler

	tcp   *acceptor.BaseAcceptor
	ws    *acceptor.WSAcceptor
	admin *http.Server

	stopOnce sync.Once
}

// New 创建节点，Init 之前不占用任何资源。
func New(cfg *config.Config) *Server {
	s := &Server{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		nodes:    newNodeView(),
	}
	s.SetLogger(log.With(log.FieldComponent("server"), zap.String("node", cfg.Node.Name)))
	return s
}

// Init 依次初始化各组件，任一步失败时释放已初始化的部分。
func (s *Server) Init(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			s.Stop()
		}
	}()

	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics.Register(s.registry)

	ctx, span := log.StartIntent(ctx, "chatserver", "init")
	defer span.End()

	if err = s.initStore(ctx); err != nil {
		return err
	}
	if err = s.initEtcd(ctx); err != nil {
		return err
	}
	if err = s.initNode(ctx); err != nil {
		return err
	}
	if err = s.initService(ctx); err != nil {
		return err
	}
	return s.initNetwork()
}

func (s *Server) initStore(ctx context.Context) error {
	pf, err := config.LoadPoolFile(s.cfg.Store.PoolFile, s.cfg.Store.SSLMode)
	if err != nil {
		return err
	}
	s.sqlDB, err = db.Open(ctx, pf.DB, pf.Pool.MaxSize)
	if err != nil {
		return err
	}
	if s.cfg.Store.Migrate {
		if err := db.Migrate(ctx, s.sqlDB); err != nil {
			return err
		}
	}
	s.connPool, err = pool.New(pf.Pool, db.ConnFactory(s.sqlDB),
		pool.WithName("store"),
		pool.WithDialTimeout(s.cfg.Store.DialTimeout))
	if err != nil {
		return err
	}
	s.store = store.New(db.NewPooledProvider(s.connPool))
	s.Logger().Info("store ready",
		zap.Int("initsize", pf.Pool.InitSize),
		zap.Int("maxsize", pf.Pool.MaxSize))
	return nil
}

func (s *Server) initEtcd(ctx context.Context) error {
	ec := s.cfg.Etcd
	if ec.UseEmbed {
		if err := etcdutil.StartEmbedServer(etcdutil.EmbedConfig{
			ConfigPath: ec.ConfigPath,
			DataDir:    ec.DataDir,
			LogPath:    ec.LogPath,
			LogLevel:   ec.LogLevel,
		}); err != nil {
			return errors.Wrap(err, "start embedded etcd")
		}
		cli, err := etcdutil.EmbedClient()
		if err != nil {
			return err
		}
		s.etcdCli = cli
		s.embedEtcd = true
		return nil
	}
	cli, err := etcdutil.RemoteClient(ec.Endpoints, ec.DialTimeout)
	if err != nil {
		return errors.Wrapf(err, "connect etcd %v", ec.Endpoints)
	}
	s.etcdCli = cli
	return nil
}

func (s *Server) initNode(ctx context.Context) error {
	version, err := semver.Parse(s.cfg.Node.Version)
	if err != nil {
		return errors.Wrapf(err, "node.version %q", s.cfg.Node.Version)
	}
	s.node = cluster.NewNode(context.WithoutCancel(ctx), s.cfg.Etcd.RootPath, s.etcdCli,
		cluster.WithTTL(s.cfg.Etcd.LeaseTTL),
		cluster.WithVersion(version))
	if err := s.node.Init(s.cfg.Node.Name, s.cfg.AdvertiseAddress()); err != nil {
		return err
	}
	if err := s.node.Register(); err != nil {
		return err
	}

	nodes, revision, err := s.node.GetNodes(ctx, nil)
	if err != nil {
		return err
	}
	s.nodes.reset(nodes)
	s.reportNodes()
	s.watcher = s.node.WatchNodes(revision+1, func(nodes map[string]*cluster.Node) error {
		s.nodes.reset(nodes)
		s.reportNodes()
		return nil
	})
	return nil
}

func (s *Server) initService(ctx context.Context) error {
	br, err := bridge.NewEtcdBridge(ctx, s.etcdCli,
		bridge.WithRoot(s.cfg.Etcd.RootPath),
		bridge.WithLeaseTTL(s.cfg.Etcd.LeaseTTL),
		bridge.WithQueueSize(s.cfg.Server.InboundQueueSize))
	if err != nil {
		return err
	}
	s.bridge = br
	s.svc = chat.NewService(s.store, s.bridge,
		chat.WithMaxMessageLength(s.cfg.Server.MaxMessageLength),
		chat.WithNodeName(s.node.String()))

	if s.cfg.Server.ResetStateOnStart {
		if _, err := s.svc.ResetStates(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) initNetwork() error {
	c, err := s.buildCodec()
	if err != nil {
		return err
	}
	sc := s.cfg.Server
	acfg := acceptor.Config{
		Codec:            c,
		ReadTimeout:      sc.ReadTimeout,
		WriteTimeout:     sc.WriteTimeout,
		SendQueueSize:    sc.SendQueueSize,
		SendTimeout:      sc.SendTimeout,
		InboundQueueSize: sc.InboundQueueSize,
	}
	// 单条消息的处理 panic 只影响该消息，不拖垮整个节点。
	s.workers = conc.NewPool[struct{}](sc.Workers, conc.WithPreAlloc(true), conc.WithConcealPanic(true))
	s.handler = newSessionHandler(s.svc, s.workers, sc.ReadTimeout)

	s.tcp, err = acceptor.NewTCPAcceptor(sc.TCPAddr, acfg)
	if err != nil {
		return err
	}
	if sc.AdminAddr != "" {
		s.ws = acceptor.NewWSAcceptor(acfg)
		s.admin = &http.Server{
			Addr:              sc.AdminAddr,
			Handler:           s.adminRouter(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	s.Logger().Info("network ready",
		zap.Stringer("tcp", s.tcp.Addr()),
		zap.String("admin", sc.AdminAddr),
		zap.Int("workers", sc.Workers))
	return nil
}

func (s *Server) buildCodec() (codec.Codec, error) {
	sc := s.cfg.Server
	opts := codec.Options{
		EnableCompression: sc.Compression,
		MinCompressSize:   sc.MinCompressSize,
	}
	if sc.Framer == "length" {
		opts.Framer = framer.NewLengthPrefixedFramer(0)
	} else {
		opts.Framer = framer.NewLineFramer(0)
	}
	if sc.Compression {
		zc, err := compressor.NewZstdCompressor(0)
		if err != nil {
			return nil, err
		}
		opts.Compressor = zc
	}
	return codec.New(opts)
}

// Run 启动全部后台任务，阻塞到 ctx 取消或任一任务失败，返回前完成关闭。
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.svc.Run(gctx)
	})
	g.Go(func() error {
		return s.tcp.Serve(gctx, s.handler)
	})
	g.Go(func() error {
		s.watchNodes(gctx)
		return nil
	})
	if s.admin != nil {
		g.Go(func() error {
			return s.ws.Serve(gctx, s.handler)
		})
		g.Go(func() error {
			ln, err := net.Listen("tcp", s.admin.Addr)
			if err != nil {
				return err
			}
			if err := s.admin.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
			defer cancel()
			return s.admin.Shutdown(shutdownCtx)
		})
	}

	s.Logger().Info("chat server started", zap.Stringer("tcp", s.tcp.Addr()))
	<-gctx.Done()
	// 接入层先停，不再产生新请求；随后再关闭业务与存储。
	_ = s.tcp.Close()
	if s.ws != nil {
		_ = s.ws.Close()
	}
	err := g.Wait()
	s.Stop()
	return err
}

func (s *Server) watchNodes(ctx context.Context) {
	if s.watcher == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.watcher.EventChannel():
			if !ok {
				return
			}
			s.nodes.apply(ev)
			s.reportNodes()
			s.Logger().Info("cluster node changed",
				zap.String("event", ev.EventType.String()),
				zap.String("node", ev.Node.String()))
		}
	}
}

func (s *Server) reportNodes() {
	metrics.NumNodes.WithLabelValues(s.cfg.Node.Name).Set(float64(s.nodes.count()))
}

// Stop 按初始化的相反顺序释放资源，可重复调用。
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		ctx, span := log.StartIntent(context.Background(), "chatserver", "stop")
		defer span.End()
		ctx, cancel := context.WithTimeout(ctx, s.cfg.Server.ShutdownTimeout)
		defer cancel()

		if s.tcp != nil {
			_ = s.tcp.Close()
		}
		if s.ws != nil {
			_ = s.ws.Close()
		}
		if s.workers != nil {
			s.workers.Release()
		}
		if s.svc != nil {
			if err := s.svc.Shutdown(ctx); err != nil {
				s.Logger().Warn("chat service shutdown incomplete", zap.Error(err))
			}
		}
		if s.bridge != nil {
			_ = s.bridge.Close()
		}
		if s.watcher != nil {
			s.watcher.Stop()
		}
		if s.node != nil {
			if s.node.Registered() {
				_ = s.node.GoingStop()
			}
			s.node.Stop()
		}
		if s.etcdCli != nil {
			_ = s.etcdCli.Close()
		}
		if s.embedEtcd {
			etcdutil.StopEmbedServer()
		}
		if s.connPool != nil {
			s.connPool.Close()
		}
		if s.sqlDB != nil {
			_ = s.sqlDB.Close()
		}
		log.Ctx(ctx).Info("chat server stopped")
	})
}
