package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
	"unicode/utf8"
)

const (
	// SpeakerIDLength is the fixed width of the speaker identifier (a UUID string)
	SpeakerIDLength = 36
	// headerLength covers the speaker id and the big-endian language length
	headerLength = SpeakerIDLength + 2

	// DefaultSpeakerID and DefaultLanguage identify frames that failed to decode
	DefaultSpeakerID = "default"
	DefaultLanguage  = "en"
)

// Decode errors. They are carried in DecodeResult, never returned to the socket reader.
var (
	ErrShortFrame        = errors.New("frame shorter than header")
	ErrInvalidUTF8       = errors.New("header field is not valid UTF-8")
	ErrTruncatedLanguage = errors.New("language code exceeds frame length")
	ErrTruncatedSamples  = errors.New("sample payload is not a whole number of float32 values")
)

// Chunk is one decoded inbound audio frame
type Chunk struct {
	SpeakerID  string
	Language   string
	PCM        []byte    // mono 16-bit little-endian samples at 16kHz
	ReceivedAt time.Time // arrival time at the gateway
	Duration   float64   // seconds of audio in PCM
	Silent     bool      // true when the frame carries no samples
}

// DecodeResult carries either the decoded chunk or the fallback chunk together
// with the reason decoding failed
type DecodeResult struct {
	Chunk Chunk
	Err   error
}

// Fallback reports whether Chunk holds the default identity instead of decoded fields
func (r DecodeResult) Fallback() bool {
	return r.Err != nil
}

// DecodeChunk parses a binary frame:
//
//	speakerId[36] | langLen[2] big-endian | lang[langLen] | float32 LE samples...
//
// Float samples are converted to 16-bit PCM. A malformed frame yields the
// default speaker and language with the raw frame bytes as PCM, cut to whole
// 16-bit samples so the speaker's audio stays sample aligned.
func DecodeChunk(frame []byte, receivedAt time.Time) DecodeResult {
	chunk, err := decode(frame)
	if err != nil {
		chunk = Chunk{
			SpeakerID: DefaultSpeakerID,
			Language:  DefaultLanguage,
			PCM:       frame[:len(frame)-len(frame)%BytesPerSample],
		}
	}

	chunk.ReceivedAt = receivedAt
	chunk.Duration = BytesToSeconds(len(chunk.PCM))
	chunk.Silent = len(chunk.PCM) == 0

	return DecodeResult{Chunk: chunk, Err: err}
}

func decode(frame []byte) (Chunk, error) {
	if len(frame) < headerLength {
		return Chunk{}, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(frame))
	}

	speaker := frame[:SpeakerIDLength]
	if !utf8.Valid(speaker) {
		return Chunk{}, fmt.Errorf("%w: speaker id", ErrInvalidUTF8)
	}

	langLen := int(binary.BigEndian.Uint16(frame[SpeakerIDLength:headerLength]))
	if headerLength+langLen > len(frame) {
		return Chunk{}, fmt.Errorf("%w: need %d bytes, have %d", ErrTruncatedLanguage, headerLength+langLen, len(frame))
	}

	lang := frame[headerLength : headerLength+langLen]
	if !utf8.Valid(lang) {
		return Chunk{}, fmt.Errorf("%w: language", ErrInvalidUTF8)
	}

	payload := frame[headerLength+langLen:]
	if len(payload)%4 != 0 {
		return Chunk{}, fmt.Errorf("%w: %d bytes", ErrTruncatedSamples, len(payload))
	}

	return Chunk{
		SpeakerID: string(speaker),
		Language:  string(lang),
		PCM:       Float32ToPCM16(payload),
	}, nil
}

// EncodeChunk builds a frame in the layout DecodeChunk expects.
// speakerID is padded or cut to SpeakerIDLength bytes.
func EncodeChunk(speakerID, language string, samples []float32) []byte {
	frame := make([]byte, headerLength+len(language)+len(samples)*4)

	copy(frame[:SpeakerIDLength], speakerID)
	for i := len(speakerID); i < SpeakerIDLength; i++ {
		frame[i] = ' '
	}

	binary.BigEndian.PutUint16(frame[SpeakerIDLength:headerLength], uint16(len(language)))
	copy(frame[headerLength:], language)

	offset := headerLength + len(language)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(frame[offset+i*4:], math.Float32bits(s))
	}

	return frame
}
