package opportunity

import "fmt"

const (
	ReasonNewPool = "New pool discovered"
)

// Diff returns the opportunities in current that are new since previous or
// whose fee rate beat the previous value by more than threshold times.
// Each result carries a Reason; current order is preserved.
func Diff(previous, current []Opportunity, threshold float64) []Opportunity {
	if threshold <= 0 {
		threshold = DefaultThresholdMultiplier
	}
	prev := make(map[string]Opportunity, len(previous))
	for _, o := range previous {
		prev[o.Address] = o
	}

	var out []Opportunity
	for _, cur := range current {
		old, seen := prev[cur.Address]
		switch {
		case !seen:
			cur.Reason = ReasonNewPool
		case cur.FeeRate30m > old.FeeRate30m*threshold:
			cur.Reason = improvedReason(old.FeeRate30m, cur.FeeRate30m)
		default:
			continue
		}
		out = append(out, cur)
	}
	return out
}

func improvedReason(before, after float64) string {
	if before <= 0 {
		return fmt.Sprintf("Fee rate improved from 0%% to %.4f%%", after)
	}
	return fmt.Sprintf("Fee rate improved by %.1f%%", (after-before)/before*100)
}
