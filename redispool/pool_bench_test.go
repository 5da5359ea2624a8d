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
	"sync"
	"testing"
	"time"
)

// benchmarkPool drives n pipelined SET commands through a pool of size conns
// and reports throughput, mirroring the one-million-pipelined-writes scenario
// a client has to sustain against a small fixed connection count.
func benchmarkPool(b *testing.B, size int) {
	ln := newBenchEchoServer(b)
	defer ln.stop()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	p, err := Create(ctx, ln.addr, size, 0)
	if err != nil {
		b.Fatal(err)
	}
	defer p.Close()

	b.ResetTimer()

	var wg sync.WaitGroup
	concurrency := 64
	perWorker := b.N / concurrency
	if perWorker == 0 {
		perWorker = 1
	}

	wg.Add(concurrency)
	for w := 0; w < concurrency; w++ {
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				key := fmt.Sprintf("k-%d-%d", w, i)
				if _, err := p.Execute(ctx, "SET", key, i); err != nil {
					b.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()
}

func BenchmarkPoolPipeliningSingleConn(b *testing.B) {
	benchmarkPool(b, 1)
}

func BenchmarkPoolPipeliningFourConns(b *testing.B) {
	benchmarkPool(b, 4)
}

// benchEchoServer is the non-*testing.T variant of echoServer so it can be
// reused from Benchmark functions, which don't satisfy the testing.TB helper
// signature used by require/assert.
type benchEchoServer struct {
	addr string
	stop func()
}

func newBenchEchoServer(b *testing.B) *benchEchoServer {
	b.Helper()

	addr, stop, err := startEchoListener()
	if err != nil {
		b.Fatal(err)
	}
	return &benchEchoServer{addr: addr, stop: stop}
}
