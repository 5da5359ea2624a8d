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

import "github.com/pkg/errors"

// ErrConnectionClosed 表示套接字已经不可用
//
// 一旦连接进入该状态 所有挂起的与后续新发起的 Execute 调用都会立即以该
// 错误失败 直到上层(redispool.Pool)用一条新连接替换它 本连接不会自动重连
var ErrConnectionClosed = errors.New("redisconn: connection closed")

// ErrSubscribedMode 表示在一条已经进入 Subscribed 子状态的连接上调用了 Execute
var ErrSubscribedMode = errors.New("redisconn: connection is in subscribed mode")

// IOError 包装了建立连接或者写入套接字时发生的底层传输错误
type IOError struct {
	Op    string
	Cause error
}

func (e *IOError) Error() string {
	return "redisconn: " + e.Op + ": " + e.Cause.Error()
}

func (e *IOError) Unwrap() error {
	return e.Cause
}

func newIOError(op string, cause error) error {
	return &IOError{Op: op, Cause: cause}
}
