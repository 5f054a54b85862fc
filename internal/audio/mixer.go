// Package audio accepts raw PCM over UDP and synthesizes a personal
// downmix for every listener from all other contributors.
package audio

import (
	"encoding/binary"
	"math"
)

// Downmix blends 16-bit signed little-endian PCM chunks: truncate to the
// shortest contributor, average as floating point, then soft-limit with
// tanh so one loud source cannot hard-clip the mix. Returns nil when
// there is nothing to mix.
func Downmix(contributions [][]byte) []byte {
	minSamples := -1
	usable := contributions[:0:0]
	for _, chunk := range contributions {
		samples := len(chunk) / 2
		if samples == 0 {
			continue
		}
		if minSamples < 0 || samples < minSamples {
			minSamples = samples
		}
		usable = append(usable, chunk)
	}
	if len(usable) == 0 || minSamples <= 0 {
		return nil
	}

	mixed := make([]float64, minSamples)
	for _, chunk := range usable {
		for i := 0; i < minSamples; i++ {
			mixed[i] += float64(int16(binary.LittleEndian.Uint16(chunk[2*i:])))
		}
	}

	out := make([]byte, 2*minSamples)
	n := float64(len(usable))
	for i, sum := range mixed {
		sample := math.Tanh(sum/n/32768.0) * 32767.0
		if sample > 32767 {
			sample = 32767
		} else if sample < -32768 {
			sample = -32768
		}
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(sample)))
	}
	return out
}
