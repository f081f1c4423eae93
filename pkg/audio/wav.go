package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// WAVHeaderSize is the length of the canonical RIFF/WAVE header written by
// [EncodeWAV].
const WAVHeaderSize = 44

const (
	wavChannels      = 1
	wavBitsPerSample = 16
	wavFormatPCM     = 1
)

// ErrInvalidWAV is returned by [DecodeWAV] for data that is not a canonical
// mono 16-bit PCM WAV container.
var ErrInvalidWAV = errors.New("audio: invalid wav container")

// WAVFormat describes the fmt chunk of a decoded container.
type WAVFormat struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
	ByteRate      int
	BlockAlign    int
}

// EncodeWAV serialises samples as a mono 16-bit PCM WAV file. The output is
// deterministic: the same samples and rate always produce the same bytes. An
// empty sample slice produces a bare 44-byte header.
func EncodeWAV(samples []int16, sampleRate int) []byte {
	dataLen := len(samples) * 2
	blockAlign := wavChannels * wavBitsPerSample / 8

	buf := make([]byte, WAVHeaderSize+dataLen)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataLen))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], wavFormatPCM)
	binary.LittleEndian.PutUint16(buf[22:24], wavChannels)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*blockAlign))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], wavBitsPerSample)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataLen))

	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[WAVHeaderSize+i*2:], uint16(s))
	}
	return buf
}

// DecodeWAV parses a container produced by [EncodeWAV] and returns its
// samples and format.
func DecodeWAV(data []byte) ([]int16, WAVFormat, error) {
	var f WAVFormat
	if len(data) < WAVHeaderSize {
		return nil, f, fmt.Errorf("%w: need at least %d bytes, got %d", ErrInvalidWAV, WAVHeaderSize, len(data))
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, f, fmt.Errorf("%w: missing RIFF/WAVE magic", ErrInvalidWAV)
	}
	if string(data[12:16]) != "fmt " || string(data[36:40]) != "data" {
		return nil, f, fmt.Errorf("%w: unexpected chunk layout", ErrInvalidWAV)
	}
	if format := binary.LittleEndian.Uint16(data[20:22]); format != wavFormatPCM {
		return nil, f, fmt.Errorf("%w: audio format %d is not PCM", ErrInvalidWAV, format)
	}

	f = WAVFormat{
		Channels:      int(binary.LittleEndian.Uint16(data[22:24])),
		SampleRate:    int(binary.LittleEndian.Uint32(data[24:28])),
		ByteRate:      int(binary.LittleEndian.Uint32(data[28:32])),
		BlockAlign:    int(binary.LittleEndian.Uint16(data[32:34])),
		BitsPerSample: int(binary.LittleEndian.Uint16(data[34:36])),
	}
	if f.BitsPerSample != wavBitsPerSample {
		return nil, f, fmt.Errorf("%w: %d bits per sample", ErrInvalidWAV, f.BitsPerSample)
	}

	dataLen := int(binary.LittleEndian.Uint32(data[40:44]))
	if dataLen > len(data)-WAVHeaderSize || dataLen%2 != 0 {
		return nil, f, fmt.Errorf("%w: data chunk length %d does not match payload", ErrInvalidWAV, dataLen)
	}
	return BytesToSamples(data[WAVHeaderSize : WAVHeaderSize+dataLen]), f, nil
}
