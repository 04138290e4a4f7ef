// Package buffer pools the byte slices used for copying.
package buffer

import "github.com/valyala/bytebufferpool"

// Get returns a pooled buffer whose B has length size.
func Get(size int) *bytebufferpool.ByteBuffer {
	b := bytebufferpool.Get()
	if cap(b.B) < size {
		b.B = make([]byte, size)
	}
	b.B = b.B[:size]
	return b
}

func Put(b *bytebufferpool.ByteBuffer) {
	bytebufferpool.Put(b)
}
