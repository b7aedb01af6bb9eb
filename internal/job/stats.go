package job

import (
	"sync"

	"github.com/asin-matcher/internal/models"
)

// statsAccumulator is the mutex-guarded stats of the current run
type statsAccumulator struct {
	mu    sync.Mutex
	stats models.BatchProcessingStats
}

func newStatsAccumulator() *statsAccumulator {
	return &statsAccumulator{stats: models.BatchProcessingStats{Errors: []string{}}}
}

func (a *statsAccumulator) reset() {
	a.mu.Lock()
	a.stats = models.BatchProcessingStats{Errors: []string{}}
	a.mu.Unlock()
}

func (a *statsAccumulator) setTotal(n int) {
	a.mu.Lock()
	a.stats.TotalProducts = n
	a.mu.Unlock()
}

func (a *statsAccumulator) recordSuccess(asins int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stats.ProcessedProducts++
	a.stats.SuccessfulProducts++
	a.stats.TotalASINsFound += asins
}

func (a *statsAccumulator) recordFailure(message string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stats.ProcessedProducts++
	a.stats.FailedProducts++
	a.appendError(message)
}

func (a *statsAccumulator) addError(message string) {
	a.mu.Lock()
	a.appendError(message)
	a.mu.Unlock()
}

// appendError keeps the first MaxRecordedErrors messages; ErrorCount keeps counting
func (a *statsAccumulator) appendError(message string) {
	a.stats.ErrorCount++
	if len(a.stats.Errors) < models.MaxRecordedErrors {
		a.stats.Errors = append(a.stats.Errors, message)
	}
}

// finish derives the final figures and returns a copy
func (a *statsAccumulator) finish(elapsedMs, rateLimitHits int64) models.BatchProcessingStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stats.ProcessingTimeMs = elapsedMs
	a.stats.RateLimitHits = rateLimitHits
	successful := a.stats.SuccessfulProducts
	if successful < 1 {
		successful = 1
	}
	a.stats.AverageASINsPerProduct = float64(a.stats.TotalASINsFound) / float64(successful)
	return a.stats.Clone()
}

func (a *statsAccumulator) snapshot() models.BatchProcessingStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats.Clone()
}
