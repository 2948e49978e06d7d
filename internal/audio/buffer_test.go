package audio

import (
	"testing"
)

func TestRingBuffer_Write(t *testing.T) {
	rb := NewRingBuffer(10)

	written := rb.Write([]byte{1, 2, 3, 4, 5})
	if written != 5 {
		t.Errorf("Expected to write 5 bytes, got %d", written)
	}
	if rb.Available() != 5 {
		t.Errorf("Expected available 5, got %d", rb.Available())
	}

	written = rb.Write([]byte{6, 7, 8})
	if written != 3 {
		t.Errorf("Expected to write 3 bytes, got %d", written)
	}
	if rb.Available() != 8 {
		t.Errorf("Expected available 8, got %d", rb.Available())
	}
	if rb.Space() != 2 {
		t.Errorf("Expected space 2, got %d", rb.Space())
	}
}

func TestRingBuffer_WriteOverflow(t *testing.T) {
	rb := NewRingBuffer(5)

	written := rb.Write([]byte{1, 2, 3, 4, 5, 6})
	if written != 5 {
		t.Errorf("Expected to write 5 bytes, got %d", written)
	}
	if !rb.IsFull() {
		t.Error("Expected buffer to be full")
	}

	if written := rb.Write([]byte{7}); written != 0 {
		t.Errorf("Expected to write 0 bytes to a full buffer, got %d", written)
	}
}

func TestRingBuffer_Read(t *testing.T) {
	rb := NewRingBuffer(10)
	if !rb.IsEmpty() {
		t.Error("Expected buffer to be empty initially")
	}

	readBuf := make([]byte, 5)
	if read := rb.Read(readBuf); read != 0 {
		t.Errorf("Expected to read 0 bytes from empty buffer, got %d", read)
	}

	rb.Write([]byte{1, 2, 3})
	readBuf = make([]byte, 10)
	read := rb.Read(readBuf)
	if read != 3 {
		t.Errorf("Expected to read 3 bytes, got %d", read)
	}
	if !rb.IsEmpty() {
		t.Error("Expected buffer to be empty after reading all")
	}
}

func TestRingBuffer_ReadFullPadsSilence(t *testing.T) {
	rb := NewRingBuffer(10)
	rb.Write([]byte{9, 9})

	out := []byte{7, 7, 7, 7}
	n := rb.ReadFull(out)
	if n != 2 {
		t.Errorf("Expected 2 real bytes, got %d", n)
	}
	expected := []byte{9, 9, 0, 0}
	for i := range expected {
		if out[i] != expected[i] {
			t.Errorf("Expected %d at position %d, got %d", expected[i], i, out[i])
		}
	}
}

func TestRingBuffer_Clear(t *testing.T) {
	rb := NewRingBuffer(10)
	rb.Write([]byte{1, 2, 3, 4, 5})

	if dropped := rb.Clear(); dropped != 5 {
		t.Errorf("Expected 5 dropped bytes, got %d", dropped)
	}
	if !rb.IsEmpty() {
		t.Error("Expected buffer to be empty after clear")
	}
	if rb.Space() != 10 {
		t.Errorf("Expected space 10 after clear, got %d", rb.Space())
	}
}

func TestRingBuffer_WrapAround(t *testing.T) {
	rb := NewRingBuffer(5)

	rb.Write([]byte{1, 2, 3, 4})
	rb.Read(make([]byte, 2))

	if written := rb.Write([]byte{5, 6, 7}); written != 3 {
		t.Errorf("Expected to write 3 bytes across the wrap, got %d", written)
	}

	readBuf := make([]byte, 5)
	read := rb.Read(readBuf)
	if read != 5 {
		t.Errorf("Expected to read 5 bytes, got %d", read)
	}
	expected := []byte{3, 4, 5, 6, 7}
	for i := range expected {
		if readBuf[i] != expected[i] {
			t.Errorf("Expected %d at position %d, got %d", expected[i], i, readBuf[i])
		}
	}
}
