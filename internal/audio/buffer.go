package audio

import (
	"sync"
)

// RingBuffer is a thread-safe byte ring that sits between the network
// goroutine writing agent audio and the device callback draining it.
type RingBuffer struct {
	buffer []byte
	head   int // next read position
	count  int
	mu     sync.Mutex
}

// NewRingBuffer creates a new ring buffer with the specified capacity
func NewRingBuffer(size int) *RingBuffer {
	if size < 1 {
		size = 1
	}
	return &RingBuffer{buffer: make([]byte, size)}
}

// Write appends data and returns the number of bytes stored; anything that
// does not fit is dropped.
func (rb *RingBuffer) Write(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	size := len(rb.buffer)
	n := len(data)
	if free := size - rb.count; n > free {
		n = free
	}

	tail := (rb.head + rb.count) % size
	first := copy(rb.buffer[tail:], data[:n])
	copy(rb.buffer, data[first:n])
	rb.count += n
	return n
}

// Read drains up to len(data) bytes and returns how many were copied
func (rb *RingBuffer) Read(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.readLocked(data)
}

// ReadFull fills data completely, padding with zero bytes (silence) when
// the buffer runs dry. It returns the number of real bytes copied.
func (rb *RingBuffer) ReadFull(data []byte) int {
	rb.mu.Lock()
	n := rb.readLocked(data)
	rb.mu.Unlock()

	clear(data[n:])
	return n
}

func (rb *RingBuffer) readLocked(data []byte) int {
	n := len(data)
	if n > rb.count {
		n = rb.count
	}
	first := copy(data[:n], rb.buffer[rb.head:])
	copy(data[first:n], rb.buffer)

	rb.head = (rb.head + n) % len(rb.buffer)
	rb.count -= n
	return n
}

// Available returns the number of bytes available to read
func (rb *RingBuffer) Available() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Space returns the number of bytes available to write
func (rb *RingBuffer) Space() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return len(rb.buffer) - rb.count
}

// Clear discards buffered audio and returns how many bytes were dropped
func (rb *RingBuffer) Clear() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	dropped := rb.count
	rb.head = 0
	rb.count = 0
	return dropped
}

// IsEmpty returns true if the buffer is empty
func (rb *RingBuffer) IsEmpty() bool {
	return rb.Available() == 0
}

// IsFull returns true if the buffer is full
func (rb *RingBuffer) IsFull() bool {
	return rb.Space() == 0
}
