package psyche

import "strings"

// Small keyword lexicons for the sentiment heuristic. This is deliberately
// coarse: the machine only needs a weak signal per observation, the EMA and
// the clamping do the rest.
var positiveWords = []string{
	"thanks", "thank", "great", "love", "awesome", "perfect", "nice",
	"good", "happy", "cool", "excellent", "wonderful", "amazing", "yes",
	"谢谢", "太好了", "喜欢", "不错", "棒", "开心",
}

var negativeWords = []string{
	"hate", "terrible", "awful", "bad", "wrong", "angry", "annoying",
	"broken", "useless", "stupid", "no", "never", "fail", "failed",
	"讨厌", "糟糕", "生气", "烦", "错了", "失败",
}

// analyze derives a coarse sentiment signal from one message.
// valence is in [-1,1] (negative to positive), intensity in [0,1]
// (how emphatic the text is, regardless of direction).
func analyze(text string) (valence, intensity float64) {
	lower := strings.ToLower(text)

	var pos, neg int
	for _, w := range positiveWords {
		pos += strings.Count(lower, w)
	}
	for _, w := range negativeWords {
		neg += strings.Count(lower, w)
	}

	if total := pos + neg; total > 0 {
		valence = float64(pos-neg) / float64(total)
	}

	// Emphasis markers raise intensity: hits, exclamations, shouting.
	hits := float64(pos + neg)
	exclaims := float64(strings.Count(text, "!") + strings.Count(text, "！"))
	var upper, letters float64
	for _, r := range text {
		if r >= 'A' && r <= 'Z' {
			upper++
		}
		if (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') {
			letters++
		}
	}
	intensity = 0.1 + hits*0.15 + exclaims*0.1
	if letters > 8 && upper/letters > 0.5 {
		intensity += 0.2
	}
	if intensity > 1 {
		intensity = 1
	}
	return valence, intensity
}
