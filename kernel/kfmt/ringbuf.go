package kfmt

import "io"

// ringBufferSize is the capacity of the early print buffer. Two pages are
// enough to hold the boot banner and the diagnostics of a few page faults.
// It must be a power of 2.
const ringBufferSize = 8192

// ringBuffer is a fixed-size byte ring. When full, new writes overwrite the
// oldest unread bytes.
type ringBuffer struct {
	buffer [ringBufferSize]byte

	// rIndex and wIndex are free-running counters; the buffer slot for a
	// counter c is c & (ringBufferSize-1).
	rIndex, wIndex uint64
}

// Write appends p to the ring, dropping the oldest bytes on overflow.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[rb.wIndex&(ringBufferSize-1)] = b
		rb.wIndex++
	}

	if rb.wIndex-rb.rIndex > ringBufferSize {
		rb.rIndex = rb.wIndex - ringBufferSize
	}

	return len(p), nil
}

// Read drains up to len(p) unread bytes into p. It returns io.EOF once the
// buffer is empty.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.rIndex == rb.wIndex {
		return 0, io.EOF
	}

	n := 0
	for ; n < len(p) && rb.rIndex != rb.wIndex; n++ {
		p[n] = rb.buffer[rb.rIndex&(ringBufferSize-1)]
		rb.rIndex++
	}

	return n, nil
}

// Len returns the number of unread bytes.
func (rb *ringBuffer) Len() int {
	return int(rb.wIndex - rb.rIndex)
}
