package encoder

import "fmt"

// Variant is one encoding of the source at a specific resolution/bitrate.
type Variant struct {
	Label            string
	Height           int
	VideoBitrateKbps int
	AudioBitrateKbps int
}

// Ladder is the fixed resolution ladder, highest first. A variant is
// produced iff the source height is at least the ladder height.
var Ladder = []Variant{
	{Label: "1080p", Height: 1080, VideoBitrateKbps: 5000, AudioBitrateKbps: 192},
	{Label: "720p", Height: 720, VideoBitrateKbps: 2800, AudioBitrateKbps: 128},
	{Label: "480p", Height: 480, VideoBitrateKbps: 1400, AudioBitrateKbps: 128},
	{Label: "360p", Height: 360, VideoBitrateKbps: 800, AudioBitrateKbps: 96},
}

// VariantsForHeight filters the ladder to variants at or below the source
// height.
func VariantsForHeight(sourceHeight int) []Variant {
	var variants []Variant
	for _, v := range Ladder {
		if v.Height <= sourceHeight {
			variants = append(variants, v)
		}
	}
	return variants
}

// Bandwidth returns the master-playlist BANDWIDTH attribute in bits per
// second, covering video plus audio.
func (v Variant) Bandwidth() int {
	return (v.VideoBitrateKbps + v.AudioBitrateKbps) * 1000
}

// Resolution renders the WIDTHxHEIGHT attribute assuming 16:9 sources.
func (v Variant) Resolution() string {
	width := v.Height * 16 / 9
	// Keep dimensions even for encoder compatibility.
	if width%2 != 0 {
		width++
	}
	return fmt.Sprintf("%dx%d", width, v.Height)
}
