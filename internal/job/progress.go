package job

import "math"

// Weights assigns each stage its share of overall progress.
type Weights map[Stage]float64

// EqualWeights gives every stage the same share.
func EqualWeights() Weights {
	w := make(Weights, len(stageOrder))
	for _, stage := range stageOrder {
		w[stage] = 1
	}
	return w
}

// WeightsFrom builds Weights from config values keyed by stage name. Missing
// stages get weight 1; an empty map yields equal weights.
func WeightsFrom(values map[string]float64) Weights {
	w := EqualWeights()
	for name, weight := range values {
		stage := Stage(name)
		if _, ok := w[stage]; ok {
			w[stage] = weight
		}
	}
	return w
}

// Overall computes the weighted average progress of j, rounded to one decimal.
func (w Weights) Overall(j *Job) float64 {
	var total, sum float64
	for _, stage := range stageOrder {
		weight := w[stage]
		if weight <= 0 {
			continue
		}
		total += weight
		record, ok := j.Stages[stage]
		if !ok || record == nil {
			continue
		}
		progress := record.Progress
		if record.Status == StageCompleted {
			progress = 100
		}
		sum += weight * progress
	}
	if total == 0 {
		return 0
	}
	return math.Round(sum/total*10) / 10
}

// RefreshProgress recomputes OverallProgress from the stage records.
func (j *Job) RefreshProgress(w Weights) {
	if len(w) == 0 {
		w = EqualWeights()
	}
	j.OverallProgress = w.Overall(j)
}
