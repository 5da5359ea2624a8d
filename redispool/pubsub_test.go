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
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServerCapturingConn 与 echoServer 类似 但额外把每条被接受的连接推到
// 一个 channel 上 供测试直接写入任意原始帧(例如服务端主动推送的 pub/sub
// 消息) 而不必经过 buildEchoReply 的请求/回复模型
func echoServerCapturingConn(t *testing.T) (addr string, conns <-chan net.Conn, stop func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	captured := make(chan net.Conn, 8)
	done := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			captured <- nc
			wg.Add(1)
			go func() {
				defer wg.Done()
				serveEcho(nc, done)
			}()
		}
	}()

	return ln.Addr().String(), captured, func() {
		close(done)
		_ = ln.Close()
		wg.Wait()
	}
}

func pushMessage(t *testing.T, nc net.Conn, channel, payload string) {
	t.Helper()

	frame := fmt.Sprintf("*3\r\n$7\r\nmessage\r\n$%d\r\n%s\r\n$%d\r\n%s\r\n",
		len(channel), channel, len(payload), payload)
	_, err := nc.Write([]byte(frame))
	require.NoError(t, err)
}

func pushPMessage(t *testing.T, nc net.Conn, pattern, channel, payload string) {
	t.Helper()

	frame := fmt.Sprintf("*4\r\n$8\r\npmessage\r\n$%d\r\n%s\r\n$%d\r\n%s\r\n$%d\r\n%s\r\n",
		len(pattern), pattern, len(channel), channel, len(payload), payload)
	_, err := nc.Write([]byte(frame))
	require.NoError(t, err)
}

func TestPoolSubscribePromotesOneConnectionOnly(t *testing.T) {
	addr, stop := echoServer(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	p, err := Create(ctx, addr, 3, 0)
	require.NoError(t, err)
	defer p.Close()

	h := p.PubSub()
	require.NoError(t, h.Subscribe(ctx, "news"))

	assert.Equal(t, 2, p.ReadyConns())

	_, err = p.Execute(ctx, "PING")
	assert.NoError(t, err)
}

func TestPoolSubscribeSameChannelSharesBroadcaster(t *testing.T) {
	addr, stop := echoServer(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	p, err := Create(ctx, addr, 2, 0)
	require.NoError(t, err)
	defer p.Close()

	h1 := p.PubSub()
	require.NoError(t, h1.Subscribe(ctx, "news"))
	h2 := p.PubSub()
	require.NoError(t, h2.Subscribe(ctx, "news"))

	broker, existed := p.pubsub.broker("news", false)
	require.True(t, existed)
	assert.Equal(t, 2, broker.Num())
}

func TestPoolUnsubscribeRemovesQueue(t *testing.T) {
	addr, stop := echoServer(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	p, err := Create(ctx, addr, 2, 0)
	require.NoError(t, err)
	defer p.Close()

	h := p.PubSub()
	require.NoError(t, h.Subscribe(ctx, "news"))
	require.NoError(t, h.Unsubscribe(ctx, "news"))

	_, existed := p.pubsub.broker("news", false)
	assert.False(t, existed)
}

// TestHandleSubscribeMultipleChannelsFansIntoOneQueue 驱动一个 handle 同时
// 订阅两个 channel 断言两边推送的消息都能在同一条流里按各自真实到达的
// channel 名读出来 而不是只有最后一个 channel 能收到消息
func TestHandleSubscribeMultipleChannelsFansIntoOneQueue(t *testing.T) {
	addr, conns, stop := echoServerCapturingConn(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	p, err := Create(ctx, addr, 1, 0)
	require.NoError(t, err)
	defer p.Close()

	h := p.PubSub()
	require.NoError(t, h.Subscribe(ctx, "a", "b"))

	var nc net.Conn
	select {
	case nc = <-conns:
	case <-time.After(time.Second):
		t.Fatal("no connection captured")
	}

	pushMessage(t, nc, "a", "hello-a")
	pushMessage(t, nc, "b", "hello-b")

	got := make(map[string]string, 2)
	for i := 0; i < 2; i++ {
		m, ok := h.Receive(time.Second)
		require.True(t, ok)
		got[m.Channel] = string(m.Payload.Bulk)
	}
	assert.Equal(t, map[string]string{"a": "hello-a", "b": "hello-b"}, got)
}

// TestHandlePSubscribeReportsMatchedChannel 确认 pmessage 推送携带的是匹配
// 出的具体 channel 而不是订阅时使用的 pattern
func TestHandlePSubscribeReportsMatchedChannel(t *testing.T) {
	addr, conns, stop := echoServerCapturingConn(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	p, err := Create(ctx, addr, 1, 0)
	require.NoError(t, err)
	defer p.Close()

	h := p.PubSub()
	require.NoError(t, h.PSubscribe(ctx, "news.*"))

	var nc net.Conn
	select {
	case nc = <-conns:
	case <-time.After(time.Second):
		t.Fatal("no connection captured")
	}

	pushPMessage(t, nc, "news.*", "news.sports", "goal")

	m, ok := h.Receive(time.Second)
	require.True(t, ok)
	assert.Equal(t, "news.sports", m.Channel)
	assert.Equal(t, "goal", string(m.Payload.Bulk))
}

// TestHandleReleaseReturnsBearerToExecute 验证 Release 之后 如果池内已经
// 没有其他订阅 承载连接会被放回 Execute 调度 而不是一直被占用
func TestHandleReleaseReturnsBearerToExecute(t *testing.T) {
	addr, stop := echoServer(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	p, err := Create(ctx, addr, 1, 0)
	require.NoError(t, err)
	defer p.Close()

	h := p.PubSub()
	require.NoError(t, h.Subscribe(ctx, "news"))

	_, err = p.Execute(ctx, "PING")
	assert.ErrorIs(t, err, ErrPoolExhausted)

	require.NoError(t, h.Release(ctx))

	_, err = p.Execute(ctx, "PING")
	assert.NoError(t, err)
}

// TestHandleReleaseKeepsBearerSubscribedForOtherHandles 两个 handle 订阅同一个
// channel 其中一个 Release 不应该影响另一个仍然持有订阅的 handle
func TestHandleReleaseKeepsBearerSubscribedForOtherHandles(t *testing.T) {
	addr, stop := echoServer(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	p, err := Create(ctx, addr, 1, 0)
	require.NoError(t, err)
	defer p.Close()

	h1 := p.PubSub()
	require.NoError(t, h1.Subscribe(ctx, "news"))
	h2 := p.PubSub()
	require.NoError(t, h2.Subscribe(ctx, "news"))

	require.NoError(t, h1.Release(ctx))

	_, existed := p.pubsub.broker("news", false)
	assert.True(t, existed)

	_, err = p.Execute(ctx, "PING")
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestHandleSubscribeAfterReleaseFails(t *testing.T) {
	addr, stop := echoServer(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	p, err := Create(ctx, addr, 1, 0)
	require.NoError(t, err)
	defer p.Close()

	h := p.PubSub()
	require.NoError(t, h.Subscribe(ctx, "news"))
	require.NoError(t, h.Release(ctx))

	assert.ErrorIs(t, h.Subscribe(ctx, "other"), ErrPubSubHandleClosed)
}
