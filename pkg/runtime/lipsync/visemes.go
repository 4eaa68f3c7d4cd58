// Package lipsync derives per-tick viseme weights from response audio, or
// from raw text when no audio is available, and layers them onto the blend
// controller's weight vector.
package lipsync

// Viseme is one mouth shape from the engine's small fixed alphabet. Each
// viseme drives exactly one blend target.
type Viseme int

const (
	// VisemeRest relaxes the mouth; used for silence and word boundaries.
	VisemeRest Viseme = iota
	// VisemeClosed is the bilabial closure (m, b, p).
	VisemeClosed
	// VisemeOpen is the open-vowel jaw drop (a, e, i).
	VisemeOpen
	// VisemePucker rounds the lips (o, u, w).
	VisemePucker
	// VisemeFricative narrows the mouth (f, v, s, z, and friends).
	VisemeFricative

	visemeCount
)

// blendTargets maps each viseme to the blend-target name it drives.
// Resolved to weight slots once per attached avatar.
var blendTargets = [visemeCount]string{
	VisemeRest:      "mouthClose",
	VisemeClosed:    "mouthPress",
	VisemeOpen:      "jawOpen",
	VisemePucker:    "mouthPucker",
	VisemeFricative: "mouthFunnel",
}

// charVisemes is the static character table for the text-driven fallback.
// Characters absent from the table (digits, punctuation) read as rest.
var charVisemes = map[rune]Viseme{
	'a': VisemeOpen, 'e': VisemeOpen, 'i': VisemeOpen, 'y': VisemeOpen,
	'o': VisemePucker, 'u': VisemePucker, 'w': VisemePucker, 'q': VisemePucker,
	'm': VisemeClosed, 'b': VisemeClosed, 'p': VisemeClosed,
	'f': VisemeFricative, 'v': VisemeFricative, 's': VisemeFricative,
	'z': VisemeFricative, 'c': VisemeFricative, 'j': VisemeFricative,
	'x': VisemeFricative, 'h': VisemeFricative,
	'd': VisemeOpen, 't': VisemeOpen, 'n': VisemeOpen, 'l': VisemeOpen,
	'r': VisemeOpen, 'g': VisemeOpen, 'k': VisemeOpen,
}

func visemeForChar(r rune) Viseme {
	if r >= 'A' && r <= 'Z' {
		r += 'a' - 'A'
	}
	if v, ok := charVisemes[r]; ok {
		return v
	}
	return VisemeRest
}
