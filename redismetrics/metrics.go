// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package redismetrics 注册并更新 Pool/Conn 运行态的 Prometheus 指标
package redismetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kvbridge/respool/common"
)

var (
	// ConnsInFlight 记录每条连接当前在途(仍排队待写或已发送等待回复)的请求数
	ConnsInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: common.App,
		Subsystem: "redis",
		Name:      "conn_in_flight",
		Help:      "number of requests currently queued or awaiting a reply on a connection",
	}, []string{"addr", "conn"})

	// ConnsReady 记录池中当前处于 Ready 且非 Subscribed 状态的连接数
	ConnsReady = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: common.App,
		Subsystem: "redis",
		Name:      "pool_ready_conns",
		Help:      "number of connections in a pool currently able to serve requests",
	}, []string{"addr"})

	// RequestDuration 记录一次 Execute 调用从发出到拿到回复的耗时分布
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: common.App,
		Subsystem: "redis",
		Name:      "request_duration_seconds",
		Help:      "time spent waiting for a reply after a command is queued",
		Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 18),
	}, []string{"addr", "cmd"})

	// RequestsTotal 按命令名和结果(ok/error)统计请求总数
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: common.App,
		Subsystem: "redis",
		Name:      "requests_total",
		Help:      "total number of commands executed against a pool",
	}, []string{"addr", "cmd", "result"})

	// RequestBytes 记录请求编码后的字节数分布
	RequestBytes = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: common.App,
		Subsystem: "redis",
		Name:      "request_body_size_bytes",
		Help:      "size in bytes of the encoded command sent to redis",
		Buckets:   prometheus.ExponentialBuckets(8, 4, 12),
	}, []string{"addr", "cmd"})

	// ResponseBytes 记录成功回复中 Bulk 或 Str 负载的字节数分布
	// Array 与 Integer 回复不计其内容 记为 0
	ResponseBytes = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: common.App,
		Subsystem: "redis",
		Name:      "response_body_size_bytes",
		Help:      "size in bytes of a decoded reply received from redis",
		Buckets:   prometheus.ExponentialBuckets(8, 4, 12),
	}, []string{"addr", "cmd"})
)

// ObserveRequest 记录一次命令执行的延迟/结果/请求体大小
//
// result 由调用方给出 redispool 的约定是: 无错误记为 ok *resp.RedisError
// 记为 redis_error 其余错误(连接关闭 超时 协议错误)记为 error
func ObserveRequest(addr, cmd string, start time.Time, payloadSize int, result string) {
	elapsed := time.Since(start).Seconds()
	RequestDuration.WithLabelValues(addr, cmd).Observe(elapsed)
	RequestsTotal.WithLabelValues(addr, cmd, result).Inc()
	RequestBytes.WithLabelValues(addr, cmd).Observe(float64(payloadSize))
}

// ObserveResponse 记录一次回复解码后的负载大小
func ObserveResponse(addr, cmd string, payloadSize int) {
	ResponseBytes.WithLabelValues(addr, cmd).Observe(float64(payloadSize))
}

// SetConnInFlight 更新单条连接当前在途请求数的 gauge
func SetConnInFlight(addr, connID string, n int) {
	ConnsInFlight.WithLabelValues(addr, connID).Set(float64(n))
}

// SetReadyConns 更新一个池当前就绪连接数的 gauge
func SetReadyConns(addr string, n int) {
	ConnsReady.WithLabelValues(addr).Set(float64(n))
}
