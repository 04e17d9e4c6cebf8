package search

// Band is a coarse, human-readable reading of a similarity score.
type Band int

const (
	BandMarginal Band = iota
	BandSomewhat
	BandRelevant
	BandVery
	BandHighly
)

var bandThresholds = [...]struct {
	min  float32
	band Band
}{
	{0.9, BandHighly},
	{0.8, BandVery},
	{0.7, BandRelevant},
	{0.6, BandSomewhat},
}

// Explain maps a similarity score to its band. Every input has a band:
// NaN and anything below 0.6 are marginal, anything from 0.9 up is highly relevant.
func Explain(score float32) Band {
	for _, t := range bandThresholds {
		if score >= t.min {
			return t.band
		}
	}
	return BandMarginal
}

func (b Band) String() string {
	switch b {
	case BandHighly:
		return "Highly relevant"
	case BandVery:
		return "Very relevant"
	case BandRelevant:
		return "Relevant"
	case BandSomewhat:
		return "Somewhat relevant"
	default:
		return "Marginally relevant"
	}
}
