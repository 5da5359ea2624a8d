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

// State 描述了一个 Conn 在其生命周期中所处的阶段
type State int32

const (
	// StateConnecting 套接字正在建立中 尚未可用于 Execute
	StateConnecting State = iota
	// StateReady 套接字已建立 可以接受 Execute/Subscribe 调用
	StateReady
	// StateClosing Close 已被调用 正在关闭套接字并失败 in_flight 中的 slot
	// Close 不等待读写协程退出
	StateClosing
	// StateClosed 连接已经彻底关闭 所有挂起的 slot 均已以 ErrConnectionClosed 完成
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateReady:
		return "Ready"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}
