package audio

import (
	"encoding/binary"
	"math"
)

const (
	// SampleRate is the nominal inbound and upstream sample rate
	SampleRate = 16000
	// BytesPerSample for 16-bit mono PCM
	BytesPerSample = 2
)

// Float32ToPCM16 converts little-endian float32 samples in [-1.0, 1.0] to
// 16-bit signed little-endian PCM by scaling with 32767 and truncating.
// Out-of-range values are clamped and NaN becomes silence.
func Float32ToPCM16(data []byte) []byte {
	count := len(data) / 4
	pcm := make([]byte, count*BytesPerSample)

	for i := 0; i < count; i++ {
		f := math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(floatToInt16(f)))
	}

	return pcm
}

func floatToInt16(f float32) int16 {
	switch {
	case f != f: // NaN
		return 0
	case f > 1:
		f = 1
	case f < -1:
		f = -1
	}
	return int16(f * 32767)
}

// BytesToSeconds returns the duration of n bytes of 16kHz mono 16-bit PCM
func BytesToSeconds(n int) float64 {
	return float64(n) / float64(SampleRate*BytesPerSample)
}

// SecondsToBytes returns the byte offset of a point in 16kHz mono 16-bit PCM.
// The result is always sample aligned.
func SecondsToBytes(seconds float64) int {
	if seconds <= 0 {
		return 0
	}
	return int(seconds*SampleRate) * BytesPerSample
}
