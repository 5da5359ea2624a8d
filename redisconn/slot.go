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

package redisconn

import (
	"context"
	"sync"

	"github.com/kvbridge/respool/resp"
)

// slot 配对一次已发送的请求与它的单次完成信号
//
// 一个 slot 从被写协程压入 in_flight 开始存活 直到读协程弹出并完成它
// 或者连接被关闭时被强制以 ErrConnectionClosed 完成 两种情况都只会发生
// 一次 done 是容量为 1 的 channel: 调用方即使在 complete 之前就放弃等待
// (ctx 超时/取消) complete 也不会阻塞写端/读端的 goroutine
type slot struct {
	done chan slotResult
}

type slotResult struct {
	value resp.Value
	err   error
}

func newSlot() *slot {
	return &slot{done: make(chan slotResult, 1)}
}

func (s *slot) complete(v resp.Value, err error) {
	select {
	case s.done <- slotResult{value: v, err: err}:
	default:
		// 已经完成过一次 不应该发生 但保持幂等不 panic
	}
}

// wait 阻塞直到 slot 完成或者 ctx 被取消
//
// 取消只影响调用方的等待 不会把已经写出的请求从 in_flight 中撤回: 该
// slot 仍然会被下一条到达的回复消费 只是其结果无人读取而已 从而维持
// 连接读协程的 FIFO 语义不被打断
func (s *slot) wait(ctx context.Context) (resp.Value, error) {
	select {
	case r := <-s.done:
		return r.value, r.err
	case <-ctx.Done():
		return resp.Value{}, ctx.Err()
	}
}

// fifo 是一个 mutex 保护的 *slot 队列 由写协程 push 读协程 pop
//
// in_flight 队列要求多生产者(Execute 调用方经 sendCh 间接触发 push)
// 单消费者(只有该连接自己的读协程 pop) 用一把短临界区的锁实现足够
type fifo struct {
	mut   sync.Mutex
	items []*slot
}

func newFifo() *fifo {
	return &fifo{}
}

func (f *fifo) push(s *slot) {
	f.mut.Lock()
	f.items = append(f.items, s)
	f.mut.Unlock()
}

func (f *fifo) pop() *slot {
	f.mut.Lock()
	defer f.mut.Unlock()

	if len(f.items) == 0 {
		return nil
	}
	s := f.items[0]
	f.items = f.items[1:]
	return s
}

func (f *fifo) len() int {
	f.mut.Lock()
	defer f.mut.Unlock()
	return len(f.items)
}

// drain 清空队列并返回其中全部尚未完成的 slot 用于连接关闭时的统一失败处理
func (f *fifo) drain() []*slot {
	f.mut.Lock()
	defer f.mut.Unlock()

	out := f.items
	f.items = nil
	return out
}
