package session

import "strings"

// emotionKeywords maps response-text fragments to emotion presets so
// replies without an explicit emotion still animate. First match wins,
// in the order below.
var emotionKeywords = []struct {
	preset    string
	fragments []string
}{
	{"happy", []string{"great", "glad", "congratul", "welcome", "excellent", "happy", "gain"}},
	{"sad", []string{"sorry", "unfortunately", "regret", "loss", "sad"}},
	{"surprised", []string{"wow", "surpris", "unexpected", "incredible"}},
	{"thinking", []string{"analyz", "think", "consider", "evaluat", "let me"}},
}

// InferEmotion picks an emotion preset from response text; "neutral" when
// nothing matches.
func InferEmotion(text string) string {
	lower := strings.ToLower(text)
	for _, entry := range emotionKeywords {
		for _, fragment := range entry.fragments {
			if strings.Contains(lower, fragment) {
				return entry.preset
			}
		}
	}
	return "neutral"
}
