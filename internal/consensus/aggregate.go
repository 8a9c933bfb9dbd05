package consensus

import "sort"

// Aggregation is the deterministic merge of a vote set
type Aggregation struct {
	Prediction   Prediction
	Strength     float64
	Voters       int
	Participants []string
	Votes        []Vote
}

// Aggregate groups votes by prediction and sums confidence per group. The
// highest sum wins; ties go to the group with more voters, then to up, down,
// hold in that order. Strength is the winning sum over the winning voters.
// The result does not depend on vote order.
func Aggregate(votes []Vote) Aggregation {
	sorted := make([]Vote, len(votes))
	copy(sorted, votes)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].ModelName != sorted[j].ModelName {
			return sorted[i].ModelName < sorted[j].ModelName
		}
		return sorted[i].Prediction.rank() < sorted[j].Prediction.rank()
	})

	type group struct {
		sum    float64
		voters int
	}
	groups := make(map[Prediction]*group)
	participants := make([]string, 0, len(sorted))
	for _, v := range sorted {
		g, ok := groups[v.Prediction]
		if !ok {
			g = &group{}
			groups[v.Prediction] = g
		}
		g.sum += v.Confidence
		g.voters++
		participants = append(participants, v.ModelName)
	}

	agg := Aggregation{Prediction: PredictionHold, Participants: participants, Votes: sorted}
	var best *group
	for _, p := range []Prediction{PredictionUp, PredictionDown, PredictionHold} {
		g, ok := groups[p]
		if !ok {
			continue
		}
		if best == nil || g.sum > best.sum || (g.sum == best.sum && g.voters > best.voters) {
			best = g
			agg.Prediction = p
		}
	}
	if best != nil && best.voters > 0 {
		agg.Strength = best.sum / float64(best.voters)
		agg.Voters = best.voters
	}
	return agg
}

// DigitHistogram counts the last digit of every tick
func DigitHistogram(ticks []Tick) [10]int {
	var h [10]int
	for _, t := range ticks {
		h[t.LastDigit()]++
	}
	return h
}

// BarrierDigit proposes the DIGITDIFF barrier: the least frequent last digit,
// ties going to the lowest digit.
func BarrierDigit(ticks []Tick) int {
	h := DigitHistogram(ticks)
	best := 0
	for d := 1; d < 10; d++ {
		if h[d] < h[best] {
			best = d
		}
	}
	return best
}
