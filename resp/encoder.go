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

import (
	"fmt"
	"strconv"

	"github.com/valyala/bytebufferpool"
)

var crlf = []byte("\r\n")

var bufPool bytebufferpool.Pool

// Encode 把一条命令及其参数序列化为 RESP BulkStrings 数组
//
// 出站命令总是以数组形式编码 不支持 inline 命令 例如 Encode("SET", "hello", 1)
// 产出 "*3\r\n$3\r\nSET\r\n$5\r\nhello\r\n$1\r\n1\r\n"
//
// 参数编码规则: bool 编码为 ASCII 单词 true/false 整数编码为十进制
// 浮点数编码为不带指数的十进制小数 []byte/string 原样写入其字节内容
// 其余类型退化为 fmt.Sprint 的文本形式
//
// 返回值是独立于内部 scratch buffer 的拷贝 调用方可以安全持有
func Encode(cmd string, args ...any) []byte {
	buf := bufPool.Get()
	defer bufPool.Put(buf)

	writeArrayHeader(buf, 1+len(args))
	writeBulkString(buf, []byte(cmd))
	for _, arg := range args {
		writeBulkString(buf, encodeArg(arg))
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out
}

func encodeArg(arg any) []byte {
	switch v := arg.(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	case bool:
		if v {
			return []byte("true")
		}
		return []byte("false")
	case int:
		return strconv.AppendInt(nil, int64(v), 10)
	case int8:
		return strconv.AppendInt(nil, int64(v), 10)
	case int16:
		return strconv.AppendInt(nil, int64(v), 10)
	case int32:
		return strconv.AppendInt(nil, int64(v), 10)
	case int64:
		return strconv.AppendInt(nil, v, 10)
	case uint:
		return strconv.AppendUint(nil, uint64(v), 10)
	case uint32:
		return strconv.AppendUint(nil, uint64(v), 10)
	case uint64:
		return strconv.AppendUint(nil, v, 10)
	case float32:
		return strconv.AppendFloat(nil, float64(v), 'f', -1, 32)
	case float64:
		return strconv.AppendFloat(nil, v, 'f', -1, 64)
	default:
		return []byte(fmt.Sprint(v))
	}
}

func writeArrayHeader(buf *bytebufferpool.ByteBuffer, n int) {
	buf.WriteByte('*')
	buf.Write(strconv.AppendInt(nil, int64(n), 10))
	buf.Write(crlf)
}

func writeBulkString(buf *bytebufferpool.ByteBuffer, b []byte) {
	buf.WriteByte('$')
	buf.Write(strconv.AppendInt(nil, int64(len(b)), 10))
	buf.Write(crlf)
	buf.Write(b)
	buf.Write(crlf)
}
