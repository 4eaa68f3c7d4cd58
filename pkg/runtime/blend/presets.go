// Package blend interpolates named emotion presets onto an avatar's
// blend-target weights.
package blend

// Preset is a named emotion expressed as target weights over blend-target
// names. Unnamed targets relax to zero.
type Preset struct {
	Name    string
	Targets map[string]float64
}

// Presets is the built-in emotion set.
var Presets = map[string]Preset{
	"neutral": {
		Name:    "neutral",
		Targets: map[string]float64{},
	},
	"happy": {
		Name: "happy",
		Targets: map[string]float64{
			"mouthSmile":  0.8,
			"eyeWide":     0.3,
			"browInnerUp": 0.2,
			"cheekPuff":   0.1,
		},
	},
	"sad": {
		Name: "sad",
		Targets: map[string]float64{
			"mouthFrown":  0.7,
			"browInnerUp": 0.5,
			"eyeBlink":    0.2,
		},
	},
	"surprised": {
		Name: "surprised",
		Targets: map[string]float64{
			"jawOpen":     0.5,
			"eyeWide":     0.8,
			"browInnerUp": 0.6,
		},
	},
	"angry": {
		Name: "angry",
		Targets: map[string]float64{
			"browDown":   0.8,
			"mouthPress": 0.5,
			"mouthFrown": 0.3,
		},
	},
	"thinking": {
		Name: "thinking",
		Targets: map[string]float64{
			"browDown":   0.3,
			"mouthPress": 0.3,
			"eyeBlink":   0.1,
		},
	},
}
