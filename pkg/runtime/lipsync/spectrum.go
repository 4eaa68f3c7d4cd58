package lipsync

import (
	"encoding/binary"
	"math"

	"github.com/vango-go/avatar-lite/pkg/core"
)

// bandEnergies holds normalized spectral power in three coarse bands.
// low tracks voiced closure energy, mid the open-vowel formant region,
// high the fricative hiss.
type bandEnergies struct {
	low  float64
	mid  float64
	high float64
}

// Probe frequencies for the three bands. One Goertzel bin per band is
// plenty at viseme granularity.
const (
	lowBandHz  = 220.0
	midBandHz  = 1100.0
	highBandHz = 4200.0
)

// decodePCM converts little-endian signed 16-bit mono PCM into float
// samples in [-1, 1].
func decodePCM(data []byte) ([]float64, error) {
	if len(data) == 0 {
		return nil, core.NewAudioError("empty audio payload")
	}
	if len(data)%2 != 0 {
		return nil, core.NewAudioError("pcm_s16le payload has an odd byte count")
	}
	samples := make([]float64, len(data)/2)
	for i := range samples {
		s := int16(binary.LittleEndian.Uint16(data[2*i:]))
		samples[i] = float64(s) / 32768
	}
	return samples, nil
}

// goertzel returns the normalized power of one frequency bin over the
// window. Cheaper than an FFT when only three bins are wanted.
func goertzel(window []float64, sampleRate int, freq float64) float64 {
	n := len(window)
	if n == 0 {
		return 0
	}
	k := math.Round(float64(n) * freq / float64(sampleRate))
	w := 2 * math.Pi * k / float64(n)
	coeff := 2 * math.Cos(w)

	var q1, q2 float64
	for _, s := range window {
		q0 := coeff*q1 - q2 + s
		q2 = q1
		q1 = q0
	}
	power := q1*q1 + q2*q2 - coeff*q1*q2
	return power / float64(n*n)
}

func analyzeWindow(window []float64, sampleRate int) bandEnergies {
	return bandEnergies{
		low:  goertzel(window, sampleRate, lowBandHz),
		mid:  goertzel(window, sampleRate, midBandHz),
		high: goertzel(window, sampleRate, highBandHz),
	}
}
