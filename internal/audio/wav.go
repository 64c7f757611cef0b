package audio

import (
	"bytes"
	"encoding/binary"
)

const (
	wavHeaderSize    = 44
	wavChannels      = 1
	wavBitsPerSample = 16
)

// WAVHeader returns the canonical 44-byte RIFF/WAVE header for numChunks
// chunks of chunkDuration seconds of mono 16-bit PCM
func WAVHeader(numChunks int, chunkDuration float64, sampleRate int) []byte {
	duration := float64(numChunks) * chunkDuration
	samples := int(duration * float64(sampleRate))
	dataSize := samples * wavChannels * wavBitsPerSample / 8
	return wavHeader(dataSize, sampleRate)
}

// EncodeWAV wraps mono 16-bit PCM in a WAV container
func EncodeWAV(pcm []byte, sampleRate int) []byte {
	out := make([]byte, 0, wavHeaderSize+len(pcm))
	out = append(out, wavHeader(len(pcm), sampleRate)...)
	return append(out, pcm...)
}

func wavHeader(dataSize, sampleRate int) []byte {
	var buf bytes.Buffer
	buf.Grow(wavHeaderSize)

	le := func(v any) {
		// bytes.Buffer writes never fail
		_ = binary.Write(&buf, binary.LittleEndian, v)
	}

	buf.WriteString("RIFF")
	le(uint32(dataSize + wavHeaderSize - 8))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	le(uint32(16)) // fmt chunk length
	le(uint16(1))  // PCM
	le(uint16(wavChannels))
	le(uint32(sampleRate))
	le(uint32(sampleRate * wavChannels * wavBitsPerSample / 8)) // byte rate
	le(uint16(wavChannels * wavBitsPerSample / 8))              // block align
	le(uint16(wavBitsPerSample))
	buf.WriteString("data")
	le(uint32(dataSize))

	return buf.Bytes()
}
