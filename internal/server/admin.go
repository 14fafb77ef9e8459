package server

import (
	"net/http"
	"sort"
	"sync"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/lk2023060901/chat-garden-go/internal/cluster"
	"github.com/lk2023060901/chat-garden-go/internal/json"
	"github.com/lk2023060901/chat-garden-go/internal/storage/pool"
	"github.com/lk2023060901/chat-garden-go/pkg/log"
)

// nodeView 缓存集群中其他节点的最新状态，由节点 watch 事件维护。
type nodeView struct {
	mu    sync.RWMutex
	nodes map[string]*cluster.Node
}

func newNodeView() *nodeView {
	return &nodeView{nodes: make(map[string]*cluster.Node)}
}

func nodeKey(n *cluster.Node) string {
	return n.String()
}

func (v *nodeView) reset(nodes map[string]*cluster.Node) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nodes = make(map[string]*cluster.Node, len(nodes))
	for _, n := range nodes {
		v.nodes[nodeKey(n)] = n
	}
}

func (v *nodeView) apply(ev *cluster.NodeEvent) {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch ev.EventType {
	case cluster.NodeAddEvent, cluster.NodeUpdateEvent:
		v.nodes[nodeKey(ev.Node)] = ev.Node
	case cluster.NodeDelEvent:
		delete(v.nodes, nodeKey(ev.Node))
	}
}

func (v *nodeView) count() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.nodes)
}

func (v *nodeView) list() []nodeStatus {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := lo.MapToSlice(v.nodes, func(_ string, n *cluster.Node) nodeStatus {
		return nodeStatus{
			ServerID: n.ServerID,
			Name:     n.ServerName,
			Address:  n.Address,
			Version:  n.Version.String(),
			Stopping: n.Stopping,
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}

type nodeStatus struct {
	ServerID int64  `json:"serverID"`
	Name     string `json:"name"`
	Address  string `json:"address"`
	Version  string `json:"version"`
	Stopping bool   `json:"stopping,omitempty"`
}

// health 是 /healthz 的应答。
type health struct {
	Status   string       `json:"status"`
	Node     string       `json:"node"`
	Online   int          `json:"online"`
	Sessions int          `json:"sessions"`
	Pool     *pool.Stats  `json:"pool,omitempty"`
	Nodes    []nodeStatus `json:"nodes"`
}

func (s *Server) health() health {
	h := health{
		Status: "ok",
		Nodes:  s.nodes.list(),
	}
	if s.node != nil {
		h.Node = s.node.String()
		if s.node.Disconnected() {
			h.Status = "disconnected"
		}
	}
	if s.svc != nil {
		h.Online = s.svc.Directory().Count()
	}
	if s.tcp != nil {
		h.Sessions += s.tcp.Sessions()
	}
	if s.ws != nil {
		h.Sessions += s.ws.Sessions()
	}
	if s.connPool != nil {
		stats := s.connPool.Stats()
		h.Pool = &stats
	}
	return h
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	h := s.health()
	body, err := json.Marshal(h)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if h.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_, _ = w.Write(body)
}

// adminRouter 管理端路由：/ws 为 WebSocket 接入，/healthz 与指标供运维使用。
func (s *Server) adminRouter() http.Handler {
	r := mux.NewRouter()
	r.Use(accessLog)
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	if s.cfg.Metrics.Enabled {
		r.Handle(s.cfg.Metrics.Path, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	if s.ws != nil {
		r.Handle("/ws", s.ws)
	}
	return r
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Debug("admin request", zap.String("method", r.Method), zap.String("path", r.URL.Path))
		next.ServeHTTP(w, r)
	})
}
