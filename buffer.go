package tcplb

import (
	"golang.org/x/sys/unix"
)

const defBufferSize = 32 * 1024

// Buffer is a fixed-capacity byte queue sitting between a source socket and
// its peer. Bytes live in data[r:w]; Fill only ever reads into free space, so
// the queued length can't exceed the capacity.
type Buffer struct {
	data []byte
	r    int
	w    int
	// readPaused is set while the source is dropped from read interest
	// because the queue is full.
	readPaused bool
	// writePending is set while the destination refused part of the queue.
	writePending bool
}

func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = defBufferSize
	}
	return &Buffer{data: make([]byte, capacity)}
}

func (b *Buffer) Len() int { return b.w - b.r }

func (b *Buffer) Cap() int { return len(b.data) }

func (b *Buffer) Available() int { return len(b.data) - b.Len() }

func (b *Buffer) Full() bool { return b.Len() == len(b.data) }

func (b *Buffer) Empty() bool { return b.r == b.w }

func (b *Buffer) ReadPaused() bool { return b.readPaused }

func (b *Buffer) WritePending() bool { return b.writePending }

// Fill performs one read from fd into the free space of the queue. A zero
// count with a nil error is end of stream.
func (b *Buffer) Fill(fd int) (int, error) {
	if b.Full() {
		return 0, unix.EAGAIN
	}
	if b.w == len(b.data) {
		b.compact()
	}
	for {
		n, err := unix.Read(fd, b.data[b.w:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		b.w += n
		return n, nil
	}
}

// Flush performs one write of the queued bytes to fd. Only the count the
// kernel confirmed is dropped from the queue.
func (b *Buffer) Flush(fd int) (int, error) {
	if b.Empty() {
		return 0, nil
	}
	for {
		n, err := unix.Write(fd, b.data[b.r:b.w])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		b.r += n
		if b.r == b.w {
			b.r, b.w = 0, 0
		}
		return n, nil
	}
}

// Reset drops everything queued.
func (b *Buffer) Reset() {
	b.r, b.w = 0, 0
	b.readPaused = false
	b.writePending = false
}

func (b *Buffer) compact() {
	n := copy(b.data, b.data[b.r:b.w])
	b.r, b.w = 0, n
}
