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

// Package redispool 维护一组 redisconn.Conn 并在它们之间调度命令
//
// Pool 对每个地址固定持有 size 条连接 Execute 把命令派发给当前在途请求
// 最少的一条就绪连接(平局按轮询打散) 任意一条连接断开都不影响其余连接
// 继续工作 后台协程会在冷却窗口之后尝试把断开的连接换成新连接
package redispool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/kvbridge/respool/common/socket"
	"github.com/kvbridge/respool/internal/rescue"
	"github.com/kvbridge/respool/internal/tracekit"
	"github.com/kvbridge/respool/logger"
	"github.com/kvbridge/respool/redisconn"
	"github.com/kvbridge/respool/redismetrics"
	"github.com/kvbridge/respool/resp"
)

const defaultReconnectWindow = 3 * time.Second

// Option 定制 Pool 的可选行为
type Option func(*Pool)

// WithReconnectWindow 设置断开连接后重新拨号前的冷却窗口
func WithReconnectWindow(d time.Duration) Option {
	return func(p *Pool) { p.reconnectWindow = d }
}

// WithDialTimeout 设置单次拨号的超时时间
func WithDialTimeout(d time.Duration) Option {
	return func(p *Pool) { p.dialTimeout = d }
}

// Pool 是一组固定大小 共享同一个远端地址的 redisconn.Conn
type Pool struct {
	addr string
	size int

	mu    sync.RWMutex
	conns []*redisconn.Conn

	rrCounter uint64

	reconnectWindow time.Duration
	dialTimeout     time.Duration
	cooldown        *socket.TTLCache

	pubsub *pubsubRegistry

	closed   atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
}

// Create 拨号建立 size 条到 addr 的连接并启动后台维护协程
//
// reconnectWindow 是连接断开后到后台维护协程尝试补位重连之间的冷却期
// 传入 0 使用默认值 只要至少有一条连接拨号成功 Create 就会返回一个可用
// 的 Pool 其余拨号失败的槽位留空 由后台维护协程在冷却窗口之后重试 全部
// 拨号失败时返回通过 hashicorp/go-multierror 聚合的全部错误
func Create(ctx context.Context, addr string, size int, reconnectWindow time.Duration, opts ...Option) (*Pool, error) {
	if size <= 0 {
		size = 1
	}
	if reconnectWindow <= 0 {
		reconnectWindow = defaultReconnectWindow
	}

	p := &Pool{
		addr:            addr,
		size:            size,
		conns:           make([]*redisconn.Conn, size),
		reconnectWindow: reconnectWindow,
		dialTimeout:     2 * time.Second,
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.cooldown = socket.NewTTLCache(p.reconnectWindow)
	p.pubsub = newPubSubRegistry()

	var (
		mu     sync.Mutex
		merr   *multierror.Error
		opened int
	)

	var wg sync.WaitGroup
	wg.Add(size)
	for i := 0; i < size; i++ {
		go func(i int) {
			defer wg.Done()
			c, err := p.dial(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				merr = multierror.Append(merr, err)
				return
			}
			p.conns[i] = c
			opened++
		}(i)
	}
	wg.Wait()

	if opened == 0 {
		return nil, merr.ErrorOrNil()
	}
	if merr.ErrorOrNil() != nil {
		logger.Warnf("redispool: opened %d/%d connections to %s, remaining will retry in background: %s",
			opened, size, addr, merr.Error())
	}

	redismetrics.SetReadyConns(addr, p.ReadyConns())
	go p.maintain()
	return p, nil
}

func (p *Pool) dial(ctx context.Context) (*redisconn.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()
	return redisconn.Open(dialCtx, p.addr, p.pubsub.dispatch)
}

// maintain 周期性地替换已经关闭的连接槽位 尊重每个地址的冷却窗口
func (p *Pool) maintain() {
	defer rescue.HandleCrash()

	interval := p.reconnectWindow
	if interval <= 0 {
		interval = defaultReconnectWindow
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.restoreClosedSlots()
			redismetrics.SetReadyConns(p.addr, p.ReadyConns())
			p.reportInFlight()
		case <-p.done:
			return
		}
	}
}

func (p *Pool) restoreClosedSlots() {
	if p.cooldown.Has(p.addr) {
		return
	}

	p.mu.Lock()
	var missing []int
	for i, c := range p.conns {
		if c == nil || c.State() == redisconn.StateClosed {
			missing = append(missing, i)
		}
	}
	p.mu.Unlock()

	if len(missing) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.dialTimeout)
	defer cancel()

	for _, i := range missing {
		c, err := p.dial(ctx)
		if err != nil {
			p.cooldown.Set(p.addr)
			logger.Warnf("redispool: background redial to %s failed: %s", p.addr, err)
			return
		}
		p.mu.Lock()
		p.conns[i] = c
		p.mu.Unlock()
	}
}

func (p *Pool) reportInFlight() {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for i, c := range p.conns {
		if c == nil {
			continue
		}
		redismetrics.SetConnInFlight(p.addr, fmt.Sprintf("%s#%d", p.addr, i), c.InFlight())
	}
}

// Execute 把一条命令派发给当前在途请求最少的就绪连接执行
func (p *Pool) Execute(ctx context.Context, cmd string, args ...any) (resp.Value, error) {
	c, idx, err := p.pick()
	if err != nil {
		return resp.Value{}, err
	}

	ctx, span := tracekit.StartSpan(ctx, "redispool.Execute", idx)
	defer span.End()

	start := time.Now()
	payload := resp.Encode(cmd, args...)
	v, err := c.Execute(ctx, cmd, args...)

	redismetrics.ObserveRequest(p.addr, cmd, start, len(payload), resultLabel(err))
	if err == nil {
		redismetrics.ObserveResponse(p.addr, cmd, len(v.Bulk)+len(v.Str))
	}
	return v, err
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if _, ok := resp.AsRedisError(err); ok {
		return "redis_error"
	}
	return "error"
}

func (p *Pool) pick() (*redisconn.Conn, int, error) {
	if p.closed.Load() {
		return nil, 0, ErrPoolClosed
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	type candidate struct {
		conn *redisconn.Conn
		idx  int
	}

	var (
		ready    []candidate
		bestLoad = -1
	)
	for i, c := range p.conns {
		if c == nil || c.State() != redisconn.StateReady || c.Subscribed() {
			continue
		}
		ready = append(ready, candidate{conn: c, idx: i})
		if load := c.InFlight(); bestLoad == -1 || load < bestLoad {
			bestLoad = load
		}
	}
	if len(ready) == 0 {
		return nil, 0, ErrPoolExhausted
	}

	// 平局(多条连接在途数相同且等于 bestLoad)时按轮询打散 避免总是命中
	// 切片中第一条连接
	var tied []candidate
	for _, cand := range ready {
		if cand.conn.InFlight() == bestLoad {
			tied = append(tied, cand)
		}
	}
	if len(tied) == 1 {
		return tied[0].conn, tied[0].idx, nil
	}
	idx := atomic.AddUint64(&p.rrCounter, 1)
	chosen := tied[idx%uint64(len(tied))]
	return chosen.conn, chosen.idx, nil
}

// PoolSize 返回配置的目标连接数(不是当前就绪的连接数)
func (p *Pool) PoolSize() int {
	return p.size
}

// ReadyConns 返回当前处于 Ready 且非 Subscribed 状态 能够服务 Execute 的连接数
func (p *Pool) ReadyConns() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	n := 0
	for _, c := range p.conns {
		if c != nil && c.State() == redisconn.StateReady && !c.Subscribed() {
			n++
		}
	}
	return n
}

// Close 关闭池中全部连接并停止后台维护协程
func (p *Pool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.stopOnce.Do(func() { close(p.done) })
	p.cooldown.Close()

	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, c := range p.conns {
		if c != nil {
			c.Close()
		}
	}
}

// Set 是 Execute(ctx, "SET", key, value) 的便捷封装
func (p *Pool) Set(ctx context.Context, key string, value any) error {
	_, err := p.Execute(ctx, "SET", key, value)
	return err
}

// Get 是 Execute(ctx, "GET", key) 的便捷封装
func (p *Pool) Get(ctx context.Context, key string) (resp.Value, error) {
	return p.Execute(ctx, "GET", key)
}
