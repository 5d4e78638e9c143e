package engine

import "verdict/core/internal/store"

// computeStats is the batch projection over one version's ledger rows. The
// Redis cache only ever stores this function's output, so a cached read and
// a recomputation are always equal.
func computeStats(items []store.DecisionItem) store.Stats {
	stats := store.Stats{
		Total:         len(items),
		ByFinalStatus: make(map[string]int),
	}

	recommended := 0
	agreed := 0
	for _, item := range items {
		stats.ByFinalStatus[item.FinalStatus]++
		if isOverride(item) {
			stats.OverrideCount++
		}
		if item.Recommendation == nil || !humanDecided(item) {
			continue
		}
		recommended++
		if item.FinalStatus == item.Recommendation.Outcome {
			agreed++
		}
	}
	if recommended > 0 {
		stats.AgreementRate = float64(agreed) / float64(recommended)
	}
	return stats
}

func humanDecided(item store.DecisionItem) bool {
	return item.Primary != nil || item.Secondary != nil
}
