package matter

// RunStats accumulates unit and sub-unit performance counters.
//
// Stores apply stat updates as atomic increments (single UPDATE or
// compare-and-swap), never read-modify-write in application memory:
// concurrent completions of the same unit's runs are expected. NextStats
// keeps the arithmetic itself testable independent of storage.
type RunStats struct {
	TotalRuns      int64 `json:"total_runs"`
	SuccessfulRuns int64 `json:"successful_runs"`
	FailedRuns     int64 `json:"failed_runs"`

	// AvgExecutionMS is the running average execution time across all runs.
	AvgExecutionMS float64 `json:"avg_execution_ms"`
}

// NextStats returns the counters after recording one run. The running
// average is weighted by the prior total:
//
//	avg' = (avg*total + elapsed) / (total + 1)
func NextStats(old RunStats, success bool, elapsedMS int64) RunStats {
	next := old
	next.AvgExecutionMS = (old.AvgExecutionMS*float64(old.TotalRuns) + float64(elapsedMS)) / float64(old.TotalRuns+1)
	next.TotalRuns++
	if success {
		next.SuccessfulRuns++
	} else {
		next.FailedRuns++
	}
	return next
}
