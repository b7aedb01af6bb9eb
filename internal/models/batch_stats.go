package models

// MaxRecordedErrors bounds BatchProcessingStats.Errors; ErrorCount keeps the full total
const MaxRecordedErrors = 100

// BatchProcessingStats summarises one batch run
type BatchProcessingStats struct {
	TotalProducts          int      `json:"totalProducts"`
	ProcessedProducts      int      `json:"processedProducts"`
	SuccessfulProducts     int      `json:"successfulProducts"`
	FailedProducts         int      `json:"failedProducts"`
	TotalASINsFound        int      `json:"totalASINsFound"`
	AverageASINsPerProduct float64  `json:"averageASINsPerProduct"`
	ProcessingTimeMs       int64    `json:"processingTimeMs"`
	RateLimitHits          int64    `json:"rateLimitHits"`
	Errors                 []string `json:"errors"`
	ErrorCount             int      `json:"errorCount"`
}

// Clone returns a deep copy safe to hand to other goroutines. Errors is
// never nil so it encodes as an empty list.
func (s BatchProcessingStats) Clone() BatchProcessingStats {
	out := s
	out.Errors = make([]string, len(s.Errors))
	copy(out.Errors, s.Errors)
	return out
}

// ProgressPercent returns processed/total as a percentage, 0 when nothing was selected
func (s BatchProcessingStats) ProgressPercent() float64 {
	if s.TotalProducts == 0 {
		return 0
	}
	return float64(s.ProcessedProducts) / float64(s.TotalProducts) * 100
}
