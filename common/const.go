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

package common

const (
	// App 应用程序名称
	App = "respool"

	// Version 应用程序版本
	Version = "v0.0.1"

	// ReadWriteBlockSize 单次 socket 读取的缓冲区大小
	//
	// 每个 Connection 的读循环以此为单位从内核读取数据并喂给 resp.Decoder
	// 取值不宜过大 否则在大量链接下会造成过多的常驻内存开销
	ReadWriteBlockSize = 4096
)
