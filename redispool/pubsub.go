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

package redispool

import (
	"context"
	"sync"
	"time"

	"github.com/kvbridge/respool/internal/pubsub"
	"github.com/kvbridge/respool/redisconn"
	"github.com/kvbridge/respool/resp"
)

// Message 是从 PubSubHandle 的流中读出的一条推送 Channel 始终是消息实际
// 到达的 channel 名: 对 pattern 订阅而言这是匹配出的具体 channel 而不是
// 订阅时使用的 pattern 本身
type Message struct {
	Channel string
	Payload resp.Value
}

// pubsubRegistry 把同一个 Pool 内可能被多个 PubSubHandle 重复订阅的
// channel/pattern 名字去重成一个广播点 并记录哪条连接承载了 Subscribed
// 子状态
//
// Redis 的 pub/sub 语义是连接级的: 一条进入 Subscribed 状态的连接不再能
// 执行普通命令 这里只让一条连接承担该职责(lazily promoted) 同一个 Pool
// 上多个 handle 对同一个 channel 的订阅只会触发一次真正的 SUBSCRIBE
type pubsubRegistry struct {
	mut      sync.Mutex
	channels map[string]*pubsub.PubSub
	patterns map[string]*pubsub.PubSub

	bearer *redisconn.Conn
}

func newPubSubRegistry() *pubsubRegistry {
	return &pubsubRegistry{
		channels: make(map[string]*pubsub.PubSub),
		patterns: make(map[string]*pubsub.PubSub),
	}
}

// dispatch 是注册给承载连接的 redisconn.MessageHandler 把推送广播给订阅者
func (r *pubsubRegistry) dispatch(msg redisconn.PubSubMessage) {
	r.mut.Lock()
	defer r.mut.Unlock()

	out := Message{Channel: msg.Channel, Payload: msg.Payload}
	switch msg.Kind {
	case "message":
		if b, ok := r.channels[msg.Channel]; ok {
			b.Publish(out)
		}
	case "pmessage":
		if b, ok := r.patterns[msg.Pattern]; ok {
			b.Publish(out)
		}
	}
}

func (r *pubsubRegistry) broker(name string, patterned bool) (*pubsub.PubSub, bool) {
	r.mut.Lock()
	defer r.mut.Unlock()

	table := r.channels
	if patterned {
		table = r.patterns
	}

	b, existed := table[name]
	if !existed {
		b = pubsub.New()
		table[name] = b
	}
	return b, existed
}

// forget 在一个 channel/pattern 不再有任何 handle 订阅时把它从登记表中
// 移除 并报告调用方是否确实需要向 Redis 发出 UNSUBSCRIBE
func (r *pubsubRegistry) forget(name string, patterned bool) bool {
	r.mut.Lock()
	defer r.mut.Unlock()

	table := r.channels
	if patterned {
		table = r.patterns
	}

	b, ok := table[name]
	if !ok || b.Num() > 0 {
		return false
	}
	delete(table, name)
	return true
}

// empty 报告登记表里是否已经没有任何 channel/pattern 了 用于判断承载连接
// 是否可以退出 Subscribed 子状态
func (r *pubsubRegistry) empty() bool {
	r.mut.Lock()
	defer r.mut.Unlock()

	return len(r.channels) == 0 && len(r.patterns) == 0
}

// promoteBearer 确保有且仅有一条连接承担 Subscribed 职责并返回它
func (p *Pool) promoteBearer(ctx context.Context) (*redisconn.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pubsub.bearer != nil && p.pubsub.bearer.State() == redisconn.StateReady {
		return p.pubsub.bearer, nil
	}

	for _, c := range p.conns {
		if c != nil && c.State() == redisconn.StateReady && !c.Subscribed() {
			p.pubsub.bearer = c
			return c, nil
		}
	}

	c, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	p.pubsub.bearer = c
	return c, nil
}

func (p *Pool) currentBearer() *redisconn.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.pubsub.bearer
}

// releaseBearerIfIdle 在登记表已经没有任何订阅时把承载连接带出 Subscribed
// 子状态 使其重新可以参与 Execute 调度 而不必断线重连
func (p *Pool) releaseBearerIfIdle(bearer *redisconn.Conn) {
	if bearer == nil || !p.pubsub.empty() {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pubsub.bearer == bearer {
		p.pubsub.bearer = nil
	}
	bearer.ReleaseSubscribed()
}

// PubSubHandle 是一次订阅会话的作用域资源: Subscribe/PSubscribe 注册的所有
// channel/pattern 都汇入同一条消息流 Release 时清理该 handle 名下剩余的
// 订阅 并在池内已无其他订阅时把承载连接放回 Execute 可调度状态
type PubSubHandle struct {
	pool  *Pool
	queue pubsub.Queue

	mu       sync.Mutex
	channels map[string]bool
	patterns map[string]bool
	closed   bool
}

// PubSub 返回一个新的 PubSubHandle 实际的连接提升发生在第一次
// Subscribe/PSubscribe 调用时
func (p *Pool) PubSub() *PubSubHandle {
	return &PubSubHandle{
		pool:     p,
		queue:    pubsub.NewQueue(64),
		channels: make(map[string]bool),
		patterns: make(map[string]bool),
	}
}

// Subscribe 订阅一个或多个 channel 其推送的消息并入这个 handle 唯一的流
func (h *PubSubHandle) Subscribe(ctx context.Context, channels ...string) error {
	return h.subscribe(ctx, channels, false)
}

// PSubscribe 同 Subscribe 但按模式匹配订阅
func (h *PubSubHandle) PSubscribe(ctx context.Context, patterns ...string) error {
	return h.subscribe(ctx, patterns, true)
}

func (h *PubSubHandle) subscribe(ctx context.Context, names []string, patterned bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrPubSubHandleClosed
	}

	bearer, err := h.pool.promoteBearer(ctx)
	if err != nil {
		return err
	}

	set := h.channels
	if patterned {
		set = h.patterns
	}

	var toSend []string
	for _, name := range names {
		b, existed := h.pool.pubsub.broker(name, patterned)
		b.Join(h.queue)
		set[name] = true
		if !existed {
			toSend = append(toSend, name)
		}
	}
	if len(toSend) == 0 {
		return nil
	}
	if patterned {
		return bearer.PSubscribe(ctx, toSend...)
	}
	return bearer.Subscribe(ctx, toSend...)
}

// Unsubscribe 取消这个 handle 对指定 channel 的订阅
//
// 当某个 channel 在整个 Pool 内不再有任何 handle 订阅时 向承载连接发出
// UNSUBSCRIBE 并释放对应的广播器
func (h *PubSubHandle) Unsubscribe(ctx context.Context, channels ...string) error {
	return h.unsubscribe(ctx, channels, false)
}

// PUnsubscribe 是 Unsubscribe 的模式匹配版本
func (h *PubSubHandle) PUnsubscribe(ctx context.Context, patterns ...string) error {
	return h.unsubscribe(ctx, patterns, true)
}

func (h *PubSubHandle) unsubscribe(ctx context.Context, names []string, patterned bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}

	set := h.channels
	if patterned {
		set = h.patterns
	}

	bearer := h.pool.currentBearer()
	toSend := h.leave(names, set, patterned)
	if len(toSend) == 0 || bearer == nil {
		return nil
	}

	var err error
	if patterned {
		err = bearer.PUnsubscribe(ctx, toSend...)
	} else {
		err = bearer.Unsubscribe(ctx, toSend...)
	}
	h.pool.releaseBearerIfIdle(bearer)
	return err
}

// leave 把 names 从这个 handle 的订阅集合和对应广播器上摘除 返回需要真正
// 向 Redis 发出 UNSUBSCRIBE/PUNSUBSCRIBE 的名字(即整个 Pool 都没人订阅了)
func (h *PubSubHandle) leave(names []string, set map[string]bool, patterned bool) []string {
	var toSend []string
	for _, name := range names {
		if !set[name] {
			continue
		}
		delete(set, name)

		if b, existed := h.pool.pubsub.broker(name, patterned); existed {
			b.Unsubscribe(h.queue)
		}
		if h.pool.pubsub.forget(name, patterned) {
			toSend = append(toSend, name)
		}
	}
	return toSend
}

// Receive 从这个 handle 的流中弹出下一条 (channel, payload) 消息 阻塞直到
// 有消息到达或者超时
func (h *PubSubHandle) Receive(timeout time.Duration) (Message, bool) {
	v, ok := h.queue.PopTimeout(timeout)
	if !ok {
		return Message{}, false
	}
	return v.(Message), true
}

// Release 取消这个 handle 名下剩余的所有订阅并关闭消息流
//
// 当 Pool 内已经没有任何其他 handle 持有订阅时 承载连接被带出 Subscribed
// 子状态重新加入 Execute 调度 而不是直接断开
func (h *PubSubHandle) Release(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true
	defer h.queue.Close()

	bearer := h.pool.currentBearer()
	if bearer == nil {
		return nil
	}

	channels := make([]string, 0, len(h.channels))
	for ch := range h.channels {
		channels = append(channels, ch)
	}
	patterns := make([]string, 0, len(h.patterns))
	for pt := range h.patterns {
		patterns = append(patterns, pt)
	}

	toSendCh := h.leave(channels, h.channels, false)
	toSendPat := h.leave(patterns, h.patterns, true)

	var firstErr error
	if len(toSendCh) > 0 {
		if err := bearer.Unsubscribe(ctx, toSendCh...); err != nil {
			firstErr = err
		}
	}
	if len(toSendPat) > 0 {
		if err := bearer.PUnsubscribe(ctx, toSendPat...); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	h.pool.releaseBearerIfIdle(bearer)
	return firstErr
}
