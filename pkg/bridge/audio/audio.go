// Package audio implements the G.711 mu-law codec, PCM resampling, and
// frame energy measurement used on both legs of the media bridge.
//
// Telephony leg: mu-law 8kHz 8-bit mono, 160 bytes per 20ms frame.
// Model input:   PCM 16kHz 16-bit signed LE mono.
// Model output:  PCM 24kHz 16-bit signed LE mono.
package audio

import "math"

const (
	// TelephonyRate is the sample rate of the carrier media stream.
	TelephonyRate = 8000
	// ModelInputRate is the sample rate the model expects for appended audio.
	ModelInputRate = 16000
	// ModelOutputRate is the sample rate of audio deltas emitted by the model.
	ModelOutputRate = 24000

	// SilenceByte is the mu-law encoding of a zero-amplitude sample.
	SilenceByte = 0xFF
)

// MulawDecode converts a single mu-law byte to a 16-bit PCM sample.
func MulawDecode(b byte) int16 {
	b = ^b
	sign := int16(b & 0x80)
	exponent := int(b>>4) & 0x07
	mantissa := int(b & 0x0F)

	sample := int16((mantissa<<3 | 0x84) << exponent)
	sample -= 0x84 // bias removal

	if sign != 0 {
		return -sample
	}
	return sample
}

// MulawEncode converts a 16-bit PCM sample to a mu-law byte.
func MulawEncode(sample int16) byte {
	const bias = 0x84
	const clip = 32635

	sign := byte(0)
	if sample < 0 {
		sign = 0x80
		sample = -sample
	}
	if sample > clip {
		sample = clip
	}

	s := int(sample) + bias
	exponent := byte(7)
	for i := byte(0); i < 8; i++ {
		if s < (1 << (i + 8)) {
			exponent = i
			break
		}
	}

	mantissa := byte((s >> (exponent + 3)) & 0x0F)
	return ^(sign | (exponent << 4) | mantissa)
}

// MulawDecodeChunk decodes a slice of mu-law bytes to PCM 16-bit samples.
func MulawDecodeChunk(data []byte) []int16 {
	samples := make([]int16, len(data))
	for i, b := range data {
		samples[i] = MulawDecode(b)
	}
	return samples
}

// MulawEncodeChunk encodes PCM 16-bit samples to mu-law bytes.
func MulawEncodeChunk(samples []int16) []byte {
	data := make([]byte, len(samples))
	for i, s := range samples {
		data[i] = MulawEncode(s)
	}
	return data
}

// ResampleLinear resamples PCM samples using linear interpolation.
// Works for both upsampling (8kHz to 16kHz) and downsampling (24kHz to 8kHz).
func ResampleLinear(input []int16, inRate, outRate int) []int16 {
	if len(input) == 0 || inRate == outRate {
		return input
	}

	outLen := len(input) * outRate / inRate
	if outLen == 0 {
		return nil
	}

	output := make([]int16, outLen)
	ratio := float64(inRate) / float64(outRate)

	for i := range output {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		if srcIdx+1 < len(input) {
			output[i] = int16(float64(input[srcIdx])*(1-frac) + float64(input[srcIdx+1])*frac)
		} else if srcIdx < len(input) {
			output[i] = input[srcIdx]
		}
	}

	return output
}

// PCMToBytes converts PCM 16-bit samples to little-endian bytes.
func PCMToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		data[i*2] = byte(s)
		data[i*2+1] = byte(s >> 8)
	}
	return data
}

// BytesToPCM converts little-endian bytes to PCM 16-bit samples.
func BytesToPCM(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return samples
}

// RMS returns the root mean square energy of a PCM frame, normalized
// to the range [0, 1].
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// SilenceFrame returns a mu-law frame of n bytes encoding pure silence.
func SilenceFrame(n int) []byte {
	frame := make([]byte, n)
	for i := range frame {
		frame[i] = SilenceByte
	}
	return frame
}
