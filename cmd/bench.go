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

package cmd

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/kvbridge/respool/redispool"
)

var (
	benchAddr        string
	benchPoolSize    int
	benchConcurrency int
	benchRequests    int
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Drive pipelined SET commands against a redis address and report throughput",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		pool, err := redispool.Create(ctx, benchAddr, benchPoolSize, 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open pool: %v\n", err)
			os.Exit(1)
		}
		defer pool.Close()

		perWorker := benchRequests / benchConcurrency
		if perWorker == 0 {
			perWorker = 1
		}

		start := time.Now()
		var wg sync.WaitGroup
		var failures int64
		var mu sync.Mutex

		wg.Add(benchConcurrency)
		for w := 0; w < benchConcurrency; w++ {
			go func(w int) {
				defer wg.Done()
				for i := 0; i < perWorker; i++ {
					key := fmt.Sprintf("bench:%d:%d", w, i)
					if err := pool.Set(context.Background(), key, i); err != nil {
						mu.Lock()
						failures++
						mu.Unlock()
					}
				}
			}(w)
		}
		wg.Wait()
		elapsed := time.Since(start)

		total := perWorker * benchConcurrency
		fmt.Printf("pool_size=%d concurrency=%d requests=%d failures=%d elapsed=%s rps=%.0f\n",
			benchPoolSize, benchConcurrency, total, failures, elapsed, float64(total)/elapsed.Seconds())
	},
	Example: "# respool bench --addr 127.0.0.1:6379 --pool-size 4 --concurrency 64 --requests 1000000",
}

func init() {
	benchCmd.Flags().StringVar(&benchAddr, "addr", "127.0.0.1:6379", "redis address to benchmark")
	benchCmd.Flags().IntVar(&benchPoolSize, "pool-size", 4, "number of pooled connections")
	benchCmd.Flags().IntVar(&benchConcurrency, "concurrency", 64, "number of concurrent callers")
	benchCmd.Flags().IntVar(&benchRequests, "requests", 100000, "total number of SET commands to issue")
	rootCmd.AddCommand(benchCmd)
}
