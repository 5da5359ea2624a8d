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

	"github.com/stretchr/testify/require"

	"github.com/kvbridge/respool/resp"
)

// statefulKVServer is a minimal stand-in Redis that actually keeps a
// key/value map (unlike echoServer, which keeps no state between commands),
// so SET/GET round trips can be checked for real instead of just checking
// "no error".
func statefulKVServer(t *testing.T) (addr string, stop func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	store := make(map[string]string)

	var wg sync.WaitGroup
	done := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				serveStatefulKV(nc, done, &mu, store)
			}()
		}
	}()

	return ln.Addr().String(), func() {
		close(done)
		_ = ln.Close()
		wg.Wait()
	}
}

func serveStatefulKV(nc net.Conn, done <-chan struct{}, mu *sync.Mutex, store map[string]string) {
	defer nc.Close()

	dec := resp.NewDecoder()
	buf := make([]byte, 64*1024)

	go func() {
		<-done
		_ = nc.Close()
	}()

	for {
		n, err := nc.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			var out []byte
			for {
				v, gerr := dec.Gets()
				if gerr == resp.ErrNotReady {
					break
				}
				if gerr != nil {
					return
				}
				out = append(out, buildStatefulKVReply(v, mu, store)...)
			}
			if len(out) > 0 {
				if _, werr := nc.Write(out); werr != nil {
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func buildStatefulKVReply(v resp.Value, mu *sync.Mutex, store map[string]string) []byte {
	if v.Type != resp.TypeArray || len(v.Array) == 0 {
		return []byte("+OK\r\n")
	}
	cmd := string(v.Array[0].Bulk)
	switch cmd {
	case "PING":
		return []byte("+PONG\r\n")
	case "SET":
		if len(v.Array) < 3 {
			return []byte("-ERR wrong number of arguments\r\n")
		}
		mu.Lock()
		store[string(v.Array[1].Bulk)] = string(v.Array[2].Bulk)
		mu.Unlock()
		return []byte("+OK\r\n")
	case "GET":
		if len(v.Array) < 2 {
			return []byte("-ERR wrong number of arguments\r\n")
		}
		mu.Lock()
		val, ok := store[string(v.Array[1].Bulk)]
		mu.Unlock()
		if !ok {
			return []byte("$-1\r\n")
		}
		return []byte(fmt.Sprintf("$%d\r\n%s\r\n", len(val), val))
	default:
		return []byte("+OK\r\n")
	}
}

// TestPoolOneMillionPipelinedSets drives 1,000,000 pipelined SET commands
// across a small fixed-size pool and then confirms, with a real GET, that
// the last write against a chosen key landed — the fixed-count, literal-value
// stress scenario a small connection pool has to sustain under heavy
// pipelining without dropping or misrouting a reply.
func TestPoolOneMillionPipelinedSets(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping 1,000,000-write stress test in -short mode")
	}

	addr, stop := statefulKVServer(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	p, err := Create(ctx, addr, 2, 0)
	require.NoError(t, err)
	defer p.Close()

	const total = 1_000_000
	const concurrency = 64
	perWorker := total / concurrency

	var wg sync.WaitGroup
	errs := make(chan error, concurrency)

	wg.Add(concurrency)
	for w := 0; w < concurrency; w++ {
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				key := fmt.Sprintf("bench%d", w)
				if _, err := p.Execute(ctx, "SET", key, "yes"); err != nil {
					errs <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	got, err := p.Execute(ctx, "GET", "bench0")
	require.NoError(t, err)
	require.Equal(t, "yes", string(got.Bulk))
}
