package workload

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Layr-Labs/avalon-enclave-kms/pkg/errs"
)

// HeartDisease is an illustrative scoring workload. Input is
// "data:<14 space-separated integers/floats>" in UCI heart-disease column
// order (age, sex, cp, trestbps, chol, fbs, restecg, thalach, exang,
// oldpeak, slope, ca, thal, target); output is a sentence naming a risk
// percentage in [0,100].
type HeartDisease struct{}

func (h *HeartDisease) Process(requesterID, workerID, workOrderID string, in []Item, out *[]Item) error {
	for _, item := range in {
		text := string(item.Data)
		payload, ok := strings.CutPrefix(text, "data:")
		if !ok {
			return errs.Input("workload.HeartDisease.Process", "item %d: expected \"data:\" prefix", item.Index)
		}
		fields := strings.Fields(strings.TrimSpace(payload))
		if len(fields) != 14 {
			return errs.Input("workload.HeartDisease.Process", "item %d: expected 14 fields, got %d", item.Index, len(fields))
		}

		values := make([]float64, len(fields))
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return errs.Input("workload.HeartDisease.Process", "item %d: field %d not numeric: %w", item.Index, i, err)
			}
			values[i] = v
		}

		risk := score(values)
		sentence := fmt.Sprintf("You have a risk of %d%% to have heart disease.", risk)
		*out = append(*out, Item{Index: item.Index, Data: []byte(sentence)})
	}
	return nil
}

// score applies a fixed, deterministic weighted-feature formula over the
// 13 UCI heart-disease predictors (the 14th field, target, is ignored) and
// reduces the integer part of the result modulo 101 into [0,100].
func score(values []float64) int {
	weights := []float64{2, 5, 8, 1, 0.5, 3, 4, -0.3, 10, 6, 3, 9, 7}
	var sum float64
	for i, w := range weights {
		if i < len(values) {
			sum += w * values[i]
		}
	}
	risk := int(sum) % 101
	if risk < 0 {
		risk += 101
	}
	return risk
}
