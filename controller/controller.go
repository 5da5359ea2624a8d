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

// Package controller 把 logger/confengine/redispool/server 组装成一个可以
// Start/Stop/Reload 的进程
package controller

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kvbridge/respool/common"
	"github.com/kvbridge/respool/confengine"
	"github.com/kvbridge/respool/internal/sigs"
	"github.com/kvbridge/respool/logger"
	"github.com/kvbridge/respool/redispool"
	"github.com/kvbridge/respool/server"
)

// Config 是 respool.yaml 中 `pool` 小节的配置
type Config struct {
	// Address 目标 Redis 实例地址 host:port
	Address string `config:"address"`
	// Size 连接池大小
	Size int `config:"size"`
	// ReconnectWindow 断线重连冷却窗口
	ReconnectWindow time.Duration `config:"reconnectWindow"`
}

// Controller 是整个进程的生命周期入口
type Controller struct {
	ctx       context.Context
	cancel    context.CancelFunc
	cfg       Config
	buildInfo common.BuildInfo

	pool *redispool.Pool
	svr  *server.Server
}

func setupLogger(conf *confengine.Config) error {
	var opts logger.Options
	if err := conf.UnpackChild("logger", &opts); err != nil {
		return err
	}

	if opts.Filename == "" {
		opts.Filename = "respool.log"
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 10
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 7
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = 100
	}

	logger.SetOptions(opts)
	return nil
}

// New 读取配置 建立连接池并准备好(但不启动)admin server
func New(conf *confengine.Config, buildInfo common.BuildInfo) (*Controller, error) {
	if err := setupLogger(conf); err != nil {
		return nil, err
	}

	var cfg Config
	if err := conf.UnpackChild("pool", &cfg); err != nil {
		return nil, err
	}
	if cfg.Size <= 0 {
		cfg.Size = common.Concurrency()
	}

	svr, err := server.New(conf)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool, err := redispool.Create(ctx, cfg.Address, cfg.Size, cfg.ReconnectWindow)
	if err != nil {
		cancel()
		return nil, errors.Wrapf(err, "failed to create pool for %s", cfg.Address)
	}

	return &Controller{
		ctx:       ctx,
		cancel:    cancel,
		cfg:       cfg,
		buildInfo: buildInfo,
		pool:      pool,
		svr:       svr,
	}, nil
}

// Pool 返回底层连接池 供上层业务代码直接使用
func (c *Controller) Pool() *redispool.Pool {
	return c.pool
}

// Start 启动 admin server(如果启用) Start 本身不阻塞
func (c *Controller) Start() error {
	c.setupServer()

	if c.svr != nil {
		go func() {
			err := c.svr.ListenAndServe()
			if !errors.Is(err, io.EOF) {
				logger.Errorf("failed to start server: %v", err)
			}
		}()
	}
	return nil
}

func (c *Controller) setupServer() {
	if c.svr == nil {
		return
	}

	c.svr.RegisterGetRoute("/metrics", func(w http.ResponseWriter, r *http.Request) {
		c.recordMetrics()
		promhttp.Handler().ServeHTTP(w, r)
	})

	c.svr.RegisterPostRoute("/-/logger", func(w http.ResponseWriter, r *http.Request) {
		level := r.FormValue("level")
		logger.SetLoggerLevel(level)
		_, _ = w.Write([]byte(`{"status": "success"}`))
	})
	c.svr.RegisterPostRoute("/-/reload", func(w http.ResponseWriter, r *http.Request) {
		if err := sigs.SelfReload(); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(err.Error()))
		}
	})
}

func (c *Controller) recordMetrics() {
	uptime.Set(float64(time.Now().Unix() - common.Started()))
	buildInfo.WithLabelValues(c.buildInfo.Version, c.buildInfo.GitHash, c.buildInfo.Time).Inc()
}

// Reload 重新应用可以安全热更新的配置
//
// 连接池大小和目标地址不在其中: 调整这些需要重建 Pool 而不是原地替换 与
// 教师实现里 sniffer 规则之外的大多数配置一样只对日志/admin-server 生效
func (c *Controller) Reload(conf *confengine.Config) error {
	return setupLogger(conf)
}

// Stop 关闭连接池并停止后台协程 不会关闭 admin server 的监听(随进程退出)
func (c *Controller) Stop() {
	c.pool.Close()
	c.cancel()
}
