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

package metrics

import (
	// #nosec
	_ "net/http/pprof"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// chatNamespace 是当前项目所有 Prometheus 指标使用的命名空间。
	chatNamespace = "chat"

	poolStateLabelName = "state"
	resultLabelName    = "result"
	pathLabelName      = "path"
	msgIDLabelName     = "msgid"
	nodeNameLabelName  = "node_name"

	PoolStateLive    = "live"
	PoolStateIdle    = "idle"
	PoolStateWaiting = "waiting"

	SuccessLabel  = "ok"
	FailLabel     = "fail"
	TimeoutLabel  = "timeout"
	ClosedLabel   = "closed"
	DroppedLabel  = "dropped"
	ReceivedLabel = "received"
)

var (
	// buckets 为请求耗时直方图的桶划分，单位为毫秒。
	// [1 2 4 8 16 32 64 128 256 512 1024 2048 4096 8192 16384 32768 65536 1.31072e+05]
	buckets = prometheus.ExponentialBuckets(1, 2, 18)

	NumNodes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: chatNamespace,
			Name:      "num_nodes",
			Help:      "number of chat server nodes registered in etcd, as seen by this node",
		}, []string{nodeNameLabelName})

	PoolConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: chatNamespace,
			Subsystem: "pool",
			Name:      "connections",
			Help:      "store connections by state",
		}, []string{poolStateLabelName})

	PoolAcquireTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: chatNamespace,
			Subsystem: "pool",
			Name:      "acquire_total",
			Help:      "count of pool acquisitions by result",
		}, []string{resultLabelName})

	PoolAcquireLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: chatNamespace,
			Subsystem: "pool",
			Name:      "acquire_latency",
			Help:      "time spent waiting for a store connection, in milliseconds",
			Buckets:   buckets,
		})

	PoolDialTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: chatNamespace,
			Subsystem: "pool",
			Name:      "dial_total",
			Help:      "count of store connection dials by result",
		}, []string{resultLabelName})

	OnlineSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: chatNamespace,
			Name:      "online_sessions",
			Help:      "number of logged-in users held by this node",
		})

	DeliveryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: chatNamespace,
			Name:      "delivery_total",
			Help:      "count of message deliveries by path (local, remote, offline, dropped)",
		}, []string{pathLabelName})

	RequestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: chatNamespace,
			Name:      "request_total",
			Help:      "count of client requests by msgid and result",
		}, []string{msgIDLabelName, resultLabelName})

	RequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: chatNamespace,
			Name:      "request_latency",
			Help:      "client request handling latency, in milliseconds",
			Buckets:   buckets,
		}, []string{msgIDLabelName})

	BridgeInboundTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: chatNamespace,
			Subsystem: "bridge",
			Name:      "inbound_total",
			Help:      "count of presence bridge notifications by result",
		}, []string{resultLabelName})

	metricRegisterer prometheus.Registerer
)

// GetRegisterer 返回全局 Prometheus Registerer。
// 如果尚未通过 Register 显式设置，则返回 prometheus.DefaultRegisterer。
func GetRegisterer() prometheus.Registerer {
	if metricRegisterer == nil {
		return prometheus.DefaultRegisterer
	}
	return metricRegisterer
}

// Register 注册当前定义的所有指标，进程内只应调用一次。
func Register(r prometheus.Registerer) {
	r.MustRegister(NumNodes)
	r.MustRegister(PoolConnections)
	r.MustRegister(PoolAcquireTotal)
	r.MustRegister(PoolAcquireLatency)
	r.MustRegister(PoolDialTotal)
	r.MustRegister(OnlineSessions)
	r.MustRegister(DeliveryTotal)
	r.MustRegister(RequestTotal)
	r.MustRegister(RequestLatency)
	r.MustRegister(BridgeInboundTotal)
	metricRegisterer = r
}
