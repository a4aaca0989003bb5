package security

import "math"

// ThreatLevel is the three-valued entropy classification of a prompt.
type ThreatLevel string

const (
	ThreatClean      ThreatLevel = "CLEAN"
	ThreatSuspicious ThreatLevel = "SUSPICIOUS"
	ThreatWeird      ThreatLevel = "WEIRD"
)

// EntropyAnalyzer classifies prompts by Shannon entropy. It is pure and
// stateless; thresholds come from configuration.
type EntropyAnalyzer struct {
	CleanMax float64
	WeirdMin float64
}

// NewEntropyAnalyzer creates an analyzer with the given thresholds.
func NewEntropyAnalyzer(cleanMax, weirdMin float64) *EntropyAnalyzer {
	return &EntropyAnalyzer{CleanMax: cleanMax, WeirdMin: weirdMin}
}

// CalculateShannonEntropy measures the randomness of the payload over its
// Unicode codepoint frequency distribution.
// Standard business text has an entropy of ~3.5 to 4.5.
// Random/stuffed payloads spike toward 6.5+.
func CalculateShannonEntropy(data string) float64 {
	if len(data) == 0 {
		return 0
	}

	charCounts := make(map[rune]int)
	total := 0
	for _, char := range data {
		charCounts[char]++
		total++
	}

	var entropy float64
	for _, count := range charCounts {
		p := float64(count) / float64(total)
		entropy -= p * math.Log2(p)
	}

	return entropy
}

// Classify maps an entropy score onto a threat level.
// H <= CleanMax is CLEAN, H > WeirdMin is WEIRD, anything between is
// SUSPICIOUS and goes to the judge.
func (a *EntropyAnalyzer) Classify(entropy float64) ThreatLevel {
	switch {
	case entropy > a.WeirdMin:
		return ThreatWeird
	case entropy > a.CleanMax:
		return ThreatSuspicious
	default:
		return ThreatClean
	}
}

// Analyze computes the entropy of text and classifies it in one call.
func (a *EntropyAnalyzer) Analyze(text string) (float64, ThreatLevel) {
	h := CalculateShannonEntropy(text)
	return h, a.Classify(h)
}
