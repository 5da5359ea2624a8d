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

package bufbytes

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBytesFeed(t *testing.T) {
	tests := []struct {
		name     string
		inputs   [][]byte
		expected []byte
	}{
		{
			name:     "empty feed",
			inputs:   [][]byte{},
			expected: nil,
		},
		{
			name:     "single feed",
			inputs:   [][]byte{[]byte("hello")},
			expected: []byte("hello"),
		},
		{
			name:     "multiple feeds concatenate",
			inputs:   [][]byte{[]byte("hello"), []byte("world")},
			expected: []byte("helloworld"),
		},
		{
			name:     "many small feeds",
			inputs:   [][]byte{[]byte("h"), []byte("e"), []byte("l"), []byte("l"), []byte("o")},
			expected: []byte("hello"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New()
			for _, input := range tt.inputs {
				b.Feed(input)
			}
			assert.Equal(t, tt.expected, b.Bytes())
			assert.Equal(t, len(tt.expected), b.Len())
		})
	}
}

func TestBytesDiscard(t *testing.T) {
	b := New()
	b.Feed([]byte("helloworld"))

	b.Discard(5)
	assert.Equal(t, []byte("world"), b.Bytes())
	assert.Equal(t, 5, b.Len())

	b.Feed([]byte("!"))
	assert.Equal(t, []byte("world!"), b.Bytes())

	b.Discard(b.Len())
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, []byte{}, b.Bytes())
}

func TestBytesDiscardPanicsOnOverrun(t *testing.T) {
	b := New()
	b.Feed([]byte("hi"))

	assert.Panics(t, func() {
		b.Discard(3)
	})
}

func TestBytesReset(t *testing.T) {
	b := New()
	b.Feed([]byte("hello"))
	b.Reset()
	assert.Equal(t, 0, b.Len())
}
