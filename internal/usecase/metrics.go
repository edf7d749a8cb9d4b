package usecase

import (
	"context"

	"github.com/example/sigverify/internal/repository"
)

// summaryWindow bounds how many recent runs feed the summary.
const summaryWindow = 100

// TrainingSummary represents aggregated training insights.
type TrainingSummary struct {
	TotalRuns           int     `json:"total_runs"`
	SucceededRuns       int     `json:"succeeded_runs"`
	FailedRuns          int     `json:"failed_runs"`
	SuccessRate         float64 `json:"success_rate"`
	BestTestAccuracy    float64 `json:"best_test_accuracy"`
	BestRunID           string  `json:"best_run_id,omitempty"`
	AverageTestAccuracy float64 `json:"average_test_accuracy"`
	AverageEpochs       float64 `json:"average_epochs"`
}

// GetTrainingSummary aggregates metrics over the most recent runs.
func (uc *SignatureUseCase) GetTrainingSummary(ctx context.Context) (*TrainingSummary, error) {
	runs, err := uc.ListRuns(ctx, summaryWindow)
	if err != nil {
		return nil, err
	}

	summary := &TrainingSummary{TotalRuns: len(runs)}
	var accSum, epochSum float64
	for _, r := range runs {
		switch r.Status {
		case repository.StatusSucceeded:
			summary.SucceededRuns++
			accSum += r.TestAccuracy
			epochSum += float64(r.EpochsRun)
			if summary.BestRunID == "" || r.TestAccuracy > summary.BestTestAccuracy {
				summary.BestTestAccuracy = r.TestAccuracy
				summary.BestRunID = r.RunID
			}
		case repository.StatusFailed:
			summary.FailedRuns++
		}
	}

	if summary.TotalRuns > 0 {
		summary.SuccessRate = float64(summary.SucceededRuns) / float64(summary.TotalRuns)
	}
	if summary.SucceededRuns > 0 {
		summary.AverageTestAccuracy = accSum / float64(summary.SucceededRuns)
		summary.AverageEpochs = epochSum / float64(summary.SucceededRuns)
	}
	return summary, nil
}
