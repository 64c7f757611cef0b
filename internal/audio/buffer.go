package audio

// Buffer holds the PCM of the window a participant is currently transcribing.
// Offsets passed to Buffer are seconds relative to the start of the window.
// When the window outgrows the capacity the oldest audio is discarded, and
// later offsets keep pointing at the same stream position.
//
// Buffer is not safe for concurrent use; it is owned by a single session.
type Buffer struct {
	data     []byte
	capacity int
	skipped  int // bytes discarded from the front of the window by overflow
}

// NewBuffer creates a buffer holding at most maxSeconds of audio
func NewBuffer(maxSeconds float64) *Buffer {
	capacity := SecondsToBytes(maxSeconds)
	if capacity <= 0 {
		capacity = SecondsToBytes(1)
	}
	return &Buffer{capacity: capacity}
}

// Append adds PCM to the end of the window.
// Returns the number of bytes discarded from the front to respect the capacity.
func (b *Buffer) Append(pcm []byte) int {
	b.data = append(b.data, pcm...)

	overflow := len(b.data) - b.capacity
	if overflow <= 0 {
		return 0
	}
	// Keep the discard sample aligned
	overflow += overflow % BytesPerSample

	b.data = append(b.data[:0], b.data[overflow:]...)
	b.skipped += overflow
	return overflow
}

// Slice returns a copy of the window audio before the given offset
func (b *Buffer) Slice(seconds float64) []byte {
	n := b.clamp(SecondsToBytes(seconds) - b.skipped)
	out := make([]byte, n)
	copy(out, b.data[:n])
	return out
}

// TrimSeconds discards the window audio before the given offset.
// The remaining audio becomes the start of the next window.
func (b *Buffer) TrimSeconds(seconds float64) {
	n := SecondsToBytes(seconds)
	if n <= b.skipped {
		b.skipped -= n
		return
	}

	n = b.clamp(n - b.skipped)
	b.skipped = 0
	b.data = append(b.data[:0], b.data[n:]...)
}

// Bytes returns a copy of all buffered audio
func (b *Buffer) Bytes() []byte {
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Len returns the number of buffered bytes
func (b *Buffer) Len() int {
	return len(b.data)
}

// Duration returns the buffered audio length in seconds
func (b *Buffer) Duration() float64 {
	return BytesToSeconds(len(b.data))
}

func (b *Buffer) clamp(n int) int {
	if n < 0 {
		return 0
	}
	if n > len(b.data) {
		return len(b.data)
	}
	return n
}
