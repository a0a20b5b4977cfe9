// Package sync implements the reconciliation core: diff classification,
// canonical import, and the orchestrated sync pipeline.
package sync

import "time"

// ComputeHealthScore derives a 0-100 connection health score from the failure
// streak and how recently a sync last succeeded. A connection that has never
// synced successfully scores at most 50.
func ComputeHealthScore(consecutiveFailures int, lastSuccessAt *time.Time, now time.Time) int {
	score := 100

	score -= consecutiveFailures * 25

	if lastSuccessAt == nil {
		score -= 50
	} else {
		// 10 points per full day of staleness, capped at 40.
		days := int(now.Sub(*lastSuccessAt).Hours() / 24)
		penalty := days * 10
		if penalty > 40 {
			penalty = 40
		}
		score -= penalty
	}

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
