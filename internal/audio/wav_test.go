package audio

import (
	"bytes"
	"testing"
)

func TestWAVHeader(t *testing.T) {
	want := []byte{
		'R', 'I', 'F', 'F',
		0x24, 0x40, 0x01, 0x00, // 81956
		'W', 'A', 'V', 'E',
		'f', 'm', 't', ' ',
		0x10, 0x00, 0x00, 0x00,
		0x01, 0x00,
		0x01, 0x00,
		0x80, 0x3e, 0x00, 0x00, // 16000
		0x00, 0x7d, 0x00, 0x00, // 32000
		0x02, 0x00,
		0x10, 0x00,
		'd', 'a', 't', 'a',
		0x00, 0x40, 0x01, 0x00, // 81920
	}

	got := WAVHeader(10, 0.256, 16000)
	if !bytes.Equal(got, want) {
		t.Errorf("Expected header\n%v\ngot\n%v", want, got)
	}
}

func TestEncodeWAV(t *testing.T) {
	pcm := seq(10, 1)

	wav := EncodeWAV(pcm, SampleRate)
	if len(wav) != wavHeaderSize+len(pcm) {
		t.Fatalf("Expected %d bytes, got %d", wavHeaderSize+len(pcm), len(wav))
	}
	if !bytes.Equal(wav[wavHeaderSize:], pcm) {
		t.Error("Expected PCM after header")
	}
	if wav[40] != 10 {
		t.Errorf("Expected data size 10, got %d", wav[40])
	}
}
