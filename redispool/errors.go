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

import "github.com/pkg/errors"

// ErrPoolExhausted 表示池中没有任何一条处于 Ready 且非 Subscribed 状态的连接
var ErrPoolExhausted = errors.New("redispool: no ready connection available")

// ErrPoolClosed 表示 Pool 已经被 Close 不应再被使用
var ErrPoolClosed = errors.New("redispool: pool is closed")

// ErrPubSubHandleClosed 表示在一个已经 Release 过的 PubSubHandle 上继续调用了
// Subscribe/PSubscribe
var ErrPubSubHandleClosed = errors.New("redispool: pubsub handle is released")
