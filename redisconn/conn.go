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

// Package redisconn 实现了单条 RESP 连接的所有权与读写循环
//
// 一条 Conn 独占一个 net.Conn: 恰好一个读协程和一个写协程驱动它 永远不会
// 有两个协程同时读或者同时写同一个套接字描述符 读协程把字节喂给
// resp.Decoder 持续 Gets 直到 NotReady 再按 FIFO 顺序把结果分发给
// in_flight 队列中最早入队的 slot; 写协程从发送队列中取出待写字节 在写入
// 套接字之前把对应 slot 压入 in_flight 队列尾部 写入失败时由 Close 统一失败
package redisconn

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/kvbridge/respool/common"
	"github.com/kvbridge/respool/internal/fasttime"
	"github.com/kvbridge/respool/internal/rescue"
	"github.com/kvbridge/respool/internal/zerocopy"
	"github.com/kvbridge/respool/logger"
	"github.com/kvbridge/respool/resp"
)

// pubsub 回复的前几个元素里会出现的消息类型标识 用于和普通请求/响应区分
var pubsubKinds = map[string]bool{
	"message":      true,
	"pmessage":     true,
	"subscribe":    true,
	"unsubscribe":  true,
	"psubscribe":   true,
	"punsubscribe": true,
}

// PubSubMessage 是从 Subscribed 连接上解复用出来的一条 pub/sub 回复
type PubSubMessage struct {
	Kind    string // message/pmessage/subscribe/unsubscribe/psubscribe/punsubscribe
	Channel string
	Pattern string // 仅 pmessage/psubscribe/punsubscribe 有效
	Payload resp.Value
}

// MessageHandler 接收一条被 Conn 解复用出来的 pub/sub 消息
type MessageHandler func(PubSubMessage)

type outbound struct {
	payload []byte
	slot    *slot
}

// Conn 代表一条独占的 RESP 连接
type Conn struct {
	nc   net.Conn
	addr string

	state      int32
	subscribed int32

	sendCh   chan *outbound
	inFlight *fifo

	onMessage MessageHandler

	inflight int64 // 含已写出等待回复以及仍排队待写的请求数 供 Pool 调度使用
	activeAt int64

	closed chan struct{}
	done   chan struct{} // 当前没有任何代码关闭或读取它
}

// Open 建立一条到 address 的 TCP 连接并启动读写协程
//
// onMessage 可以为 nil 此时连接不会被提升为 Subscribed 模式的承载者
func Open(ctx context.Context, address string, onMessage MessageHandler) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, newIOError("dial", err)
	}

	c := &Conn{
		nc:        nc,
		addr:      address,
		state:     int32(StateConnecting),
		sendCh:    make(chan *outbound, 4096),
		inFlight:  newFifo(),
		onMessage: onMessage,
		activeAt:  fasttime.UnixTimestamp(),
		closed:    make(chan struct{}),
		done:      make(chan struct{}),
	}

	atomic.StoreInt32(&c.state, int32(StateReady))

	go c.readLoop()
	go c.writeLoop()

	return c, nil
}

// State 返回连接当前所处的生命周期阶段
func (c *Conn) State() State {
	return State(atomic.LoadInt32(&c.state))
}

// Subscribed 返回连接是否已经进入 pub/sub 子状态
func (c *Conn) Subscribed() bool {
	return atomic.LoadInt32(&c.subscribed) == 1
}

// ReleaseSubscribed 把连接带出 pub/sub 子状态 使其重新可以被 Execute 调度
//
// 仅应在调用方已确认该连接上所有 channel/pattern 都已经 UNSUBSCRIBE 之后
// 调用 连接本身不会自动检测订阅计数归零 这一判断由 redispool 的订阅登记
// 表负责
func (c *Conn) ReleaseSubscribed() {
	atomic.StoreInt32(&c.subscribed, 0)
}

// InFlight 返回当前已入队尚未完成的请求数 供 Pool 的最少在途调度策略使用
func (c *Conn) InFlight() int {
	return int(atomic.LoadInt64(&c.inflight))
}

// ActiveAt 返回最后一次从套接字读取到数据的 unix 时间戳
func (c *Conn) ActiveAt() time.Time {
	return time.Unix(atomic.LoadInt64(&c.activeAt), 0)
}

// Execute 编码并发送一条命令 阻塞直到拿到回复 连接关闭或者 ctx 被取消
//
// ctx 被取消时只影响本次调用的等待: 已经写出的请求仍然会被读协程当作下
// 一条 in_flight 回复消费 不会打乱同一条连接上后续请求的 FIFO 完成顺序
func (c *Conn) Execute(ctx context.Context, cmd string, args ...any) (resp.Value, error) {
	if c.State() != StateReady {
		return resp.Value{}, ErrConnectionClosed
	}
	if c.Subscribed() {
		return resp.Value{}, ErrSubscribedMode
	}

	s := newSlot()
	ob := &outbound{payload: resp.Encode(cmd, args...), slot: s}

	atomic.AddInt64(&c.inflight, 1)
	defer atomic.AddInt64(&c.inflight, -1)

	select {
	case c.sendCh <- ob:
	case <-c.closed:
		return resp.Value{}, ErrConnectionClosed
	case <-ctx.Done():
		return resp.Value{}, ctx.Err()
	}

	// Close 只直接失败 in_flight 中的 slot 仍在发送队列或写批次里的请求
	// 在这里通过 c.closed 以 ErrConnectionClosed 结束等待
	select {
	case r := <-s.done:
		return r.value, r.err
	case <-c.closed:
		select {
		case r := <-s.done:
			return r.value, r.err
		default:
			return resp.Value{}, ErrConnectionClosed
		}
	case <-ctx.Done():
		return resp.Value{}, ctx.Err()
	}
}

// Subscribe 把本连接转为 Subscribed 子状态并发出 SUBSCRIBE 命令
//
// 转入 Subscribed 之后 本连接不再服务 Execute 调用 后续到达的消息全部
// 交给 onMessage 回调分发
func (c *Conn) Subscribe(ctx context.Context, channels ...string) error {
	return c.subscribeCmd(ctx, "SUBSCRIBE", channels...)
}

// PSubscribe 同 Subscribe 但使用模式匹配订阅
func (c *Conn) PSubscribe(ctx context.Context, patterns ...string) error {
	return c.subscribeCmd(ctx, "PSUBSCRIBE", patterns...)
}

// Unsubscribe 取消订阅 channels 为空时取消全部普通订阅
func (c *Conn) Unsubscribe(ctx context.Context, channels ...string) error {
	return c.subscribeCmd(ctx, "UNSUBSCRIBE", channels...)
}

// PUnsubscribe 取消模式订阅
func (c *Conn) PUnsubscribe(ctx context.Context, patterns ...string) error {
	return c.subscribeCmd(ctx, "PUNSUBSCRIBE", patterns...)
}

func (c *Conn) subscribeCmd(ctx context.Context, cmd string, args ...string) error {
	if c.State() != StateReady {
		return ErrConnectionClosed
	}
	atomic.StoreInt32(&c.subscribed, 1)

	anyArgs := make([]any, len(args))
	for i, a := range args {
		anyArgs[i] = a
	}
	payload := resp.Encode(cmd, anyArgs...)

	select {
	case c.sendCh <- &outbound{payload: payload, slot: nil}:
		return nil
	case <-c.closed:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 关闭套接字 并以 ErrConnectionClosed 完成所有挂起与在途的 slot
func (c *Conn) Close() {
	if !atomic.CompareAndSwapInt32(&c.state, int32(StateReady), int32(StateClosing)) &&
		!atomic.CompareAndSwapInt32(&c.state, int32(StateConnecting), int32(StateClosing)) {
		return
	}

	close(c.closed)
	_ = c.nc.Close()
	c.failAll(ErrConnectionClosed)
	atomic.StoreInt32(&c.state, int32(StateClosed))
}

// fail 在读写协程探测到传输层错误时调用 语义与 Close 相同 但记录日志
func (c *Conn) fail(err error) {
	if c.State() == StateClosed {
		return
	}
	logger.Warnf("redisconn: connection to %s failing: %s", c.addr, err)
	c.Close()
}

func (c *Conn) failAll(err error) {
	for _, s := range c.inFlight.drain() {
		s.complete(resp.Value{}, err)
	}
}

func (c *Conn) writeLoop() {
	defer rescue.HandleCrash()

	wbuf := zerocopy.NewBuffer(nil)
	var batch []*slot

	flush := func() bool {
		if wbuf.Len() == 0 {
			return true
		}
		data := wbuf.Drain()
		for _, s := range batch {
			if s != nil {
				c.inFlight.push(s)
			}
		}
		batch = batch[:0]
		if _, err := c.nc.Write(data); err != nil {
			c.fail(newIOError("write", err))
			return false
		}
		return true
	}

	for {
		select {
		case ob, ok := <-c.sendCh:
			if !ok {
				return
			}
			wbuf.Write(ob.payload)
			batch = append(batch, ob.slot)

		drainMore:
			for {
				select {
				case ob2, ok := <-c.sendCh:
					if !ok {
						flush()
						return
					}
					wbuf.Write(ob2.payload)
					batch = append(batch, ob2.slot)
				default:
					break drainMore
				}
			}

			if !flush() {
				return
			}

		case <-c.closed:
			return
		}
	}
}

func (c *Conn) readLoop() {
	defer rescue.HandleCrash()

	dec := resp.NewDecoder()
	buf := make([]byte, common.ReadWriteBlockSize)

	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			atomic.StoreInt64(&c.activeAt, fasttime.UnixTimestamp())

			for {
				v, gerr := dec.Gets()
				if gerr == resp.ErrNotReady {
					break
				}
				if gerr != nil {
					if _, ok := gerr.(*resp.RedisError); ok {
						c.deliver(v, gerr)
						continue
					}
					c.fail(gerr)
					return
				}
				c.deliver(v, nil)
			}
		}
		if err != nil {
			c.fail(newIOError("read", err))
			return
		}
	}
}

// deliver 把解码出的一条回复路由给 pub/sub 分发器或者 in_flight 队首的 slot
func (c *Conn) deliver(v resp.Value, err error) {
	if c.Subscribed() && err == nil {
		if msg, ok := asPubSubMessage(v); ok {
			if c.onMessage != nil {
				c.onMessage(msg)
			}
			return
		}
	}

	s := c.inFlight.pop()
	if s == nil {
		// 服务端发来了一条没有对应请求的回复(理论上不应发生) 记录并丢弃
		logger.Warnf("redisconn: received reply with no matching in-flight slot from %s", c.addr)
		return
	}
	s.complete(v, err)
}

// asPubSubMessage 判断一个 Value 是否为 pub/sub 推送 并抽取出其结构化字段
func asPubSubMessage(v resp.Value) (PubSubMessage, bool) {
	if v.Type != resp.TypeArray || v.Null || len(v.Array) == 0 {
		return PubSubMessage{}, false
	}
	head := v.Array[0]
	if head.Type != resp.TypeBulkString && head.Type != resp.TypeSimpleString {
		return PubSubMessage{}, false
	}

	kind := head.Str
	if head.Type == resp.TypeBulkString {
		kind = string(head.Bulk)
	}
	if !pubsubKinds[kind] {
		return PubSubMessage{}, false
	}

	msg := PubSubMessage{Kind: kind}
	switch kind {
	case "message":
		if len(v.Array) >= 3 {
			msg.Channel = bulkOrStr(v.Array[1])
			msg.Payload = v.Array[2]
		}
	case "pmessage":
		if len(v.Array) >= 4 {
			msg.Pattern = bulkOrStr(v.Array[1])
			msg.Channel = bulkOrStr(v.Array[2])
			msg.Payload = v.Array[3]
		}
	default: // subscribe/unsubscribe/psubscribe/punsubscribe confirmations
		if len(v.Array) >= 2 {
			msg.Channel = bulkOrStr(v.Array[1])
		}
		if len(v.Array) >= 3 {
			msg.Payload = v.Array[2]
		}
	}
	return msg, true
}

func bulkOrStr(v resp.Value) string {
	if v.Type == resp.TypeBulkString {
		return string(v.Bulk)
	}
	return v.Str
}
