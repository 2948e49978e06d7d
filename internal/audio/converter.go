package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// TargetSampleRate is the wire rate expected by the upstream agent
	TargetSampleRate = 16000

	// BlockSize is the number of native-rate samples per capture block
	BlockSize = 4096
)

// Frame is one capture block converted to the wire format:
// PCM16 little-endian mono at TargetSampleRate.
type Frame struct {
	PCM     []byte
	Samples int
}

// Base64 returns the frame payload as carried in user_audio_chunk
func (f Frame) Base64() string {
	return base64.StdEncoding.EncodeToString(f.PCM)
}

// Resample converts float samples from inputRate to outputRate with linear
// interpolation between neighbouring samples. The output holds exactly
// floor(len(samples) * outputRate / inputRate) samples.
func Resample(samples []float32, inputRate, outputRate int) []float32 {
	if inputRate <= 0 || outputRate <= 0 || len(samples) == 0 {
		return nil
	}
	if inputRate == outputRate {
		out := make([]float32, len(samples))
		copy(out, samples)
		return out
	}

	outputLength := int(int64(len(samples)) * int64(outputRate) / int64(inputRate))
	output := make([]float32, outputLength)
	step := float64(inputRate) / float64(outputRate)
	last := len(samples) - 1

	for i := 0; i < outputLength; i++ {
		srcPos := float64(i) * step
		idx0 := int(srcPos)
		if idx0 > last {
			idx0 = last
		}
		idx1 := idx0 + 1
		if idx1 > last {
			idx1 = last
		}

		fraction := float32(srcPos - float64(idx0))
		output[i] = samples[idx0]*(1-fraction) + samples[idx1]*fraction
	}

	return output
}

// Quantize maps float samples to int16, clipping to [-1, 1] first so that
// out-of-range input saturates instead of wrapping.
func Quantize(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = quantizeSample(s)
	}
	return out
}

func quantizeSample(s float32) int16 {
	if s != s { // NaN
		return 0
	}
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	if s < 0 {
		return int16(s * 32768)
	}
	return int16(s * 32767)
}

// PCM16Bytes serializes samples as 16-bit little-endian
func PCM16Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// PCM16Samples parses 16-bit little-endian PCM
func PCM16Samples(pcm []byte) ([]int16, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples), got %d", len(pcm))
	}
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples, nil
}

// ResamplePCM16 converts 16-bit little-endian mono PCM between rates
func ResamplePCM16(pcm []byte, inputRate, outputRate int) ([]byte, error) {
	samples, err := PCM16Samples(pcm)
	if err != nil {
		return nil, err
	}
	if inputRate == outputRate {
		return pcm, nil
	}

	floats := make([]float32, len(samples))
	for i, s := range samples {
		floats[i] = float32(s) / 32768
	}
	return PCM16Bytes(Quantize(Resample(floats, inputRate, outputRate))), nil
}

// EncodeFrame runs the block conversion: resample to TargetSampleRate,
// quantize, serialize. It returns the intermediate int16 samples as well
// so callers can run VAD on the wire-rate signal.
func EncodeFrame(block []float32, nativeRate int) (Frame, []int16) {
	resampled := Resample(block, nativeRate, TargetSampleRate)
	quantized := Quantize(resampled)
	return Frame{PCM: PCM16Bytes(quantized), Samples: len(quantized)}, quantized
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
// Useful for detecting audio levels and silence
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}

// CalculateRMSFloat is CalculateRMS for normalized float samples
func CalculateRMSFloat(samples []float32) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}
