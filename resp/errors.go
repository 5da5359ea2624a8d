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

package resp

import "github.com/pkg/errors"

// ErrNotReady 表示 Decoder 的缓冲区中尚未累积出一个完整的顶层帧
//
// 这是一个与任何合法 Value（包括 null bulk / null array）都不同的独立哨兵
// Gets 在遇到不足以构成完整帧的数据时返回它 调用方应当继续 Feed 后重试
var ErrNotReady = errors.New("resp: not ready")

// ProtocolError 表示字节流违反了 RESP 分帧规则
//
// 这是致命错误: 长度前缀非法 缺少 CRLF 数字字段出现非数字字符
// 或长度超出了配置的上限 出现该错误后 Decoder 处于未定义状态
// 调用方 (redisconn.Conn) 应当关闭承载该 Decoder 的连接
type ProtocolError struct {
	msg string
}

func (e *ProtocolError) Error() string {
	return "resp: protocol error: " + e.msg
}

func newProtocolError(format string, args ...any) error {
	return &ProtocolError{msg: errors.Errorf(format, args...).Error()}
}

// RedisError 对应一次 `-` 回复携带的错误文本
//
// 它是某一条具体命令的失败 不影响连接本身的健康状态: 连接可以继续处理
// 后续的命令 由 redisconn.Conn.Execute 将其作为该请求的 error 返回
type RedisError struct {
	Text string
}

func (e *RedisError) Error() string {
	return e.Text
}

// AsRedisError 尝试将 err 还原为 *RedisError 便于调用方分支处理
func AsRedisError(err error) (*RedisError, bool) {
	re, ok := err.(*RedisError)
	return re, ok
}
