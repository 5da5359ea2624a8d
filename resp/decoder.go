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

// Package resp 实现了一个可恢复的 RESP2 流式解码器与编码器
//
// RESP 是一个行式的二进制安全序列化协议 依据首字节区分五种帧类型
//
// - 单行字符串 (SimpleStrings): 首字节是 "+"
// - 错误 (Errors): 首字节是 "-"
// - 整型 (Integers): 首字节是 ":"
// - 多行字符串 (BulkStrings): 首字节是 "$"
// - 数组 (Array): 首字节是 "*"
//
// +-----------------+                      +-----------------+
// |     Client      |                      |      Server     |
// +-----------------+                      +-----------------+
// | *2\r\n          |  ----------------->  |                 |
// | $3\r\n          |                      |                 |
// | GET\r\n         |                      |                 |
// | $4\r\n          |                      |                 |
// | key1\r\n        |                      |                 |
// |                 |  <-----------------  | $6\r\n          |
// |                 |                      | value1\r\n      |
// +-----------------+                      +-----------------+
//
// 与旁路抓包场景下只需要统计字节数的解析器不同 这里的 Decoder 服务于一个
// 主动的客户端连接: Feed 喂入的数据必须在条件具备时精确地重建出调用方能
// 使用的 Value 而且必须能在任意字节边界挂起/恢复 不能假设一次 Feed 就能
// 凑齐一个完整帧 也不能在恢复时重新解析已经确认过的字节(均摊 O(1)/字节)
package resp

import (
	"bytes"
	"strconv"

	"github.com/kvbridge/respool/internal/bufbytes"
)

const (
	defaultMaxBulkLen  = 512 * 1024 * 1024 // 与 Redis 的 proto-max-bulk-len 默认值一致
	defaultMaxArrayLen = 1 << 20
)

// Decoder 是单所有者 非并发安全的可恢复 RESP 解码器
//
// 状态由三部分组成: 持有全部已喂入但尚未被消费字节的增长缓冲区 buf
// 一个指向 buf 中已经被解析过的字节偏移量 cursor 以及一个记录嵌套
// Array/BulkStrings 中间状态的 stack 仅当 stack 为空时 解码器处于
// "两个顶层帧之间"
type Decoder struct {
	buf    *bufbytes.Bytes
	stack  *stack
	cursor int

	maxBulkLen  int
	maxArrayLen int
}

// Option 用于配置 Decoder 的可选参数
type Option func(*Decoder)

// WithMaxBulkLen 设置 BulkStrings 长度前缀允许的最大值 超出视为 ProtocolError
func WithMaxBulkLen(n int) Option {
	return func(d *Decoder) { d.maxBulkLen = n }
}

// WithMaxArrayLen 设置 Array 长度前缀允许的最大值 超出视为 ProtocolError
func WithMaxArrayLen(n int) Option {
	return func(d *Decoder) { d.maxArrayLen = n }
}

// NewDecoder 创建并返回一个空的 *Decoder
func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{
		buf:         bufbytes.New(),
		stack:       newStack(),
		maxBulkLen:  defaultMaxBulkLen,
		maxArrayLen: defaultMaxArrayLen,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Feed 向解码器追加字节 不会阻塞也不会失败
func (d *Decoder) Feed(p []byte) {
	d.buf.Feed(p)
}

// Len 返回缓冲区中全部已喂入但尚未被消费(丢弃)的字节数
func (d *Decoder) Len() int {
	return d.buf.Len()
}

// Buffer 返回缓冲区当前内容的只读视图 仅用于调试
func (d *Decoder) Buffer() []byte {
	return d.buf.Bytes()
}

// Gets 尝试从缓冲区中提取一个完整的顶层 Value
//
// 数据不足以构成一个完整帧时返回 ErrNotReady 此时缓冲区和解析进度都不会
// 丢失 下一次 Feed 之后再次调用 Gets 会从挂起的位置继续 而不是重新解析
//
// 当顶层帧是 `-` 错误回复时 返回 *RedisError 该错误与连接本身无关 只针对
// 这一次提取 当字节流不满足 RESP 分帧规则时 返回 *ProtocolError 此时
// 解码器处于未定义状态 调用方应当丢弃并关闭承载它的连接
func (d *Decoder) Gets() (Value, error) {
	data := d.buf.Bytes()
	pos := d.cursor

	for {
		if top := d.stack.peek(); top != nil {
			switch top.typ {
			case TypeBulkString:
				newPos, ready, err := d.fillBulk(top, data, pos)
				if err != nil {
					d.fail()
					return Value{}, err
				}
				if !ready {
					d.cursor = newPos
					return Value{}, ErrNotReady
				}
				pos = newPos
				d.stack.pop()
				if v, done := d.emit(Value{Type: TypeBulkString, Bulk: top.got}); done {
					return d.finish(pos, v)
				}
				continue

			case TypeArray:
				if top.remaining == 0 {
					d.stack.pop()
					if v, done := d.emit(Value{Type: TypeArray, Array: top.items}); done {
						return d.finish(pos, v)
					}
					continue
				}
			}
		}

		line, n, ok := readLine(data[pos:])
		if !ok {
			d.cursor = pos
			return Value{}, ErrNotReady
		}
		pos += n
		body := trimCRLF(line[1:])

		switch line[0] {
		case '+':
			if v, done := d.emit(Value{Type: TypeSimpleString, Str: string(body)}); done {
				return d.finish(pos, v)
			}

		case '-':
			if v, done := d.emit(Value{Type: TypeError, Str: string(body)}); done {
				return d.finish(pos, v)
			}

		case ':':
			iv, err := parseInteger(body)
			if err != nil {
				d.fail()
				return Value{}, err
			}
			if v, done := d.emit(Value{Type: TypeInteger, Int: iv}); done {
				return d.finish(pos, v)
			}

		case '$':
			ln, err := parseLength(body)
			if err != nil {
				d.fail()
				return Value{}, err
			}
			switch {
			case ln == -1:
				if v, done := d.emit(Value{Type: TypeBulkString, Null: true}); done {
					return d.finish(pos, v)
				}
			case ln > d.maxBulkLen:
				d.fail()
				return Value{}, newProtocolError("bulk length %d exceeds maximum %d", ln, d.maxBulkLen)
			default:
				d.stack.push(&frame{typ: TypeBulkString, need: ln, got: make([]byte, 0, ln)})
			}

		case '*':
			ln, err := parseLength(body)
			if err != nil {
				d.fail()
				return Value{}, err
			}
			switch {
			case ln == -1:
				if v, done := d.emit(Value{Type: TypeArray, Null: true}); done {
					return d.finish(pos, v)
				}
			case ln == 0:
				if v, done := d.emit(Value{Type: TypeArray, Array: []Value{}}); done {
					return d.finish(pos, v)
				}
			case ln > d.maxArrayLen:
				d.fail()
				return Value{}, newProtocolError("array length %d exceeds maximum %d", ln, d.maxArrayLen)
			default:
				d.stack.push(&frame{typ: TypeArray, remaining: ln, items: make([]Value, 0, ln)})
			}

		default:
			d.fail()
			return Value{}, newProtocolError("unexpected lead byte %q", line[0])
		}
	}
}

// emit 把一个已经解析完成的叶子 Value 交给上一层
//
// 如果 stack 此时已经空了 说明这就是本轮顶层帧的结果 由调用方 finish
// 否则把它追加到父 Array frame 的 items 中并递减 remaining 计数
func (d *Decoder) emit(v Value) (Value, bool) {
	parent := d.stack.peek()
	if parent == nil {
		return v, true
	}
	parent.items = append(parent.items, v)
	parent.remaining--
	return Value{}, false
}

// finish 提交本轮解析进度: 丢弃已消费的前缀 游标归零 并返回结果
//
// 当顶层帧本身是一个 Error 回复时 这里把它转换成 *RedisError 返回 而不是
// 把 Value 原样交给调用方: 解析本身总是成功的(协议层面 `-` 是一种合法帧)
// 但对 redisconn 而言这代表这一次请求失败了 嵌套在 Array 内部的 Error
// 元素不受影响 仍然作为普通 Value 出现在 Array.Array 中
func (d *Decoder) finish(pos int, v Value) (Value, error) {
	d.buf.Discard(pos)
	d.cursor = 0
	if v.Type == TypeError {
		return Value{}, &RedisError{Text: v.Str}
	}
	return v, nil
}

// fail 在遇到 ProtocolError 时清空解码器状态
//
// RESP 规范未要求从畸形字节流中恢复 这里选择清空缓冲区与栈 而不是保留
// 半途状态反复报错 调用方(redisconn.Conn)仍然应当关闭这条连接
func (d *Decoder) fail() {
	d.stack.reset()
	d.buf.Reset()
	d.cursor = 0
}

// fillBulk 尝试把 BulkStrings 帧剩余需要的数据从 data[pos:] 中填入 f.got
//
// 返回的 newPos 是本次推进后的读游标 ready 为 true 当且仅当已经读到了
// 完整的数据体以及末尾的 CRLF
func (d *Decoder) fillBulk(f *frame, data []byte, pos int) (newPos int, ready bool, err error) {
	if len(f.got) < f.need {
		avail := data[pos:]
		if len(avail) == 0 {
			return pos, false, nil
		}
		need := f.need - len(f.got)
		take := need
		if take > len(avail) {
			take = len(avail)
		}
		f.got = append(f.got, avail[:take]...)
		pos += take
		if len(f.got) < f.need {
			return pos, false, nil
		}
	}

	avail := data[pos:]
	if len(avail) < 2 {
		return pos, false, nil
	}
	if avail[0] != '\r' || avail[1] != '\n' {
		return pos, false, newProtocolError("bulk string missing trailing CRLF")
	}
	return pos + 2, true, nil
}

// readLine 在 b 中查找第一个 '\n' 并返回包含它在内的行切片
//
// 找不到换行符时明确返回 ok=false 而不是把尾部的半截数据当作一整行
// 返回: 解码器必须保证恢复后不会把尚未到达的字节错当作已经完成的帧
func readLine(b []byte) (line []byte, n int, ok bool) {
	idx := bytes.IndexByte(b, '\n')
	if idx == -1 {
		return nil, 0, false
	}
	return b[:idx+1], idx + 1, true
}

// trimCRLF 去掉行尾的 "\r\n" 或者单独的 "\n"
func trimCRLF(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\n' {
		b = b[:n-1]
		if n := len(b); n > 0 && b[n-1] == '\r' {
			b = b[:n-1]
		}
	}
	return b
}

// parseLength 解析 BulkStrings/Array 的长度前缀 只允许 -1 或者非负整数
func parseLength(b []byte) (int, error) {
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, newProtocolError("malformed length %q", b)
	}
	if n < -1 {
		return 0, newProtocolError("invalid negative length %d", n)
	}
	if n > 1<<31 {
		return 0, newProtocolError("length %d too large", n)
	}
	return int(n), nil
}

// parseInteger 解析 Integers 帧的有效载荷
//
// 超出有符号 64 位整数范围的输入被当作 ProtocolError 拒绝 而不是扩宽为
// 任意精度表示 见仓库根目录 DESIGN.md 中 Open Questions 的取舍记录
func parseInteger(b []byte) (int64, error) {
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, newProtocolError("malformed integer %q", b)
	}
	return n, nil
}
