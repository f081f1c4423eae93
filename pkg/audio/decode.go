package audio

import "time"

// muLawExponentLUT is the magnitude bias for each of the eight µ-law
// exponent segments.
var muLawExponentLUT = [8]int32{0, 132, 396, 924, 1980, 4092, 8316, 16764}

// muLawTable caches the decoded value of every possible byte.
var muLawTable [256]int16

func init() {
	for i := range 256 {
		muLawTable[i] = decodeMuLawSample(byte(i))
	}
}

func decodeMuLawSample(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := int32(b & 0x0F)
	sample := muLawExponentLUT[exponent] + mantissa<<(exponent+3)
	if sign != 0 {
		sample = -sample
	}
	return int16(sample)
}

// MuLawToLinear expands one µ-law byte to a 16-bit linear sample.
func MuLawToLinear(b byte) int16 {
	return muLawTable[b]
}

// Decode strips the transport header from payload and converts the remainder
// to PCM according to codec. Payloads shorter than [HeaderSize] and unknown
// codecs yield an empty frame. For [CodecPCM16] an odd trailing byte is
// dropped.
func Decode(payload []byte, codec Codec, arrived time.Time) Frame {
	f := Frame{Arrived: arrived}
	if len(payload) < HeaderSize {
		return f
	}
	body := payload[HeaderSize:]

	switch codec {
	case CodecPCM16:
		f.Samples = BytesToSamples(body[:len(body)-len(body)%2])
	case CodecMuLaw:
		f.Samples = make([]int16, len(body))
		for i, b := range body {
			f.Samples[i] = muLawTable[b]
		}
	}
	return f
}
