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

// Package tracekit 封装了 redispool 下发命令时使用的 otel 追踪辅助方法
//
// 原实现围绕 HTTP traceparent header 与 pdata.TraceID/SpanID 手工构造 span
// 上下文 用于被动抓包场景下重建一条 trace 这里的命令执行路径本身就持有
// context.Context 不需要从报文中解析 traceparent 因此只保留 Tracer 的
// 获取与 span 启动这一层薄封装 具体的 TraceID/SpanID 生成交回给 otel SDK
package tracekit

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/kvbridge/respool/redispool"

// Tracer 返回用于 redispool 命令执行路径的 trace.Tracer
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartSpan 为一次命令下发开启一个 span
//
// name 一般为被执行的命令名 conn 为承载该命令的连接在池中的序号
func StartSpan(ctx context.Context, name string, conn int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(
		attribute.Int("redispool.conn", conn),
	))
}
