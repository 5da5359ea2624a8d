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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeCommand(t *testing.T) {
	tests := []struct {
		name     string
		cmd      string
		args     []any
		expected string
	}{
		{
			name:     "set with string and int",
			cmd:      "SET",
			args:     []any{"hello", 1},
			expected: "*3\r\n$3\r\nSET\r\n$5\r\nhello\r\n$1\r\n1\r\n",
		},
		{
			name:     "get",
			cmd:      "GET",
			args:     []any{"hello"},
			expected: "*2\r\n$3\r\nGET\r\n$5\r\nhello\r\n",
		},
		{
			name:     "bool encodes as ascii word",
			cmd:      "SET",
			args:     []any{"hello", true},
			expected: "*3\r\n$3\r\nSET\r\n$5\r\nhello\r\n$4\r\ntrue\r\n",
		},
		{
			name:     "no args",
			cmd:      "PING",
			args:     nil,
			expected: "*1\r\n$4\r\nPING\r\n",
		},
		{
			name:     "byte slice verbatim",
			cmd:      "SET",
			args:     []any{"k", []byte{0x00, 0x01, 0xff}},
			expected: "*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$3\r\n\x00\x01\xff\r\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Encode(tt.cmd, tt.args...)
			assert.Equal(t, tt.expected, string(got))
		})
	}
}

func TestEncodeThenDecodeRoundTrip(t *testing.T) {
	b := Encode("SET", "hello", true)

	d := NewDecoder()
	d.Feed(b)
	v, err := d.Gets()
	assert.NoError(t, err)
	assert.Equal(t, TypeArray, v.Type)
	assert.Equal(t, []byte("SET"), v.Array[0].Bulk)
	assert.Equal(t, []byte("hello"), v.Array[1].Bulk)
	assert.Equal(t, []byte("true"), v.Array[2].Bulk)
}
