package pool

import (
	"bytes"
	"sync"
)

// maxPooledBufferSize bounds the capacity of buffers kept in the pool so a
// single runaway line does not pin memory forever.
const maxPooledBufferSize = 4 * 1024

var bufferPool = sync.Pool{
	New: func() any { return bytes.NewBuffer(make([]byte, 0, 128)) },
}

// GetBuffer returns an empty buffer for assembling protocol lines.
func GetBuffer() *bytes.Buffer {
	buf, _ := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()

	return buf
}

// PutBuffer returns buf to the pool. Oversized buffers are dropped.
func PutBuffer(buf *bytes.Buffer) {
	if buf == nil || buf.Cap() > maxPooledBufferSize {
		return
	}
	bufferPool.Put(buf)
}
