package training

import (
	"fmt"
	"sort"
)

// Metric scores multi-label predictions. pred and label are row-major
// [N, classes] probabilities and {0,1} targets.
type Metric struct {
	Name    string
	Compute func(pred, label []float32, classes int) float64
}

// DefaultThreshold turns probabilities into hard predictions for F1 metrics.
const DefaultThreshold = 0.5

var (
	// MacroAUCROC averages per-class ROC AUC over classes that have both
	// positive and negative examples.
	MacroAUCROC = Metric{Name: "macro_auc", Compute: macroAUCROC}

	// MicroF1 pools true/false positives across all classes.
	MicroF1 = Metric{Name: "micro_f1", Compute: func(p, l []float32, c int) float64 {
		return microF1(p, l, c, DefaultThreshold)
	}}

	// MacroF1 averages per-class F1.
	MacroF1 = Metric{Name: "macro_f1", Compute: func(p, l []float32, c int) float64 {
		return macroF1(p, l, c, DefaultThreshold)
	}}
)

// MetricByName resolves a configured metric name.
func MetricByName(name string) (Metric, error) {
	for _, m := range []Metric{MacroAUCROC, MicroF1, MacroF1} {
		if m.Name == name {
			return m, nil
		}
	}
	return Metric{}, fmt.Errorf("unknown metric %q", name)
}

// ROCPoint represents a point on the ROC curve
type ROCPoint struct {
	FPR float64
	TPR float64
}

// CalculateAUCROC calculates Area Under ROC Curve for binary labels. It
// returns ok=false when either class is absent.
func CalculateAUCROC(scores []float32, labels []float32) (auc float64, ok bool) {
	if len(scores) != len(labels) || len(scores) == 0 {
		return 0, false
	}

	type predLabel struct {
		score    float32
		positive bool
	}

	pairs := make([]predLabel, len(scores))
	totalPos, totalNeg := 0, 0
	for i := range scores {
		pos := labels[i] >= 0.5
		pairs[i] = predLabel{score: scores[i], positive: pos}
		if pos {
			totalPos++
		} else {
			totalNeg++
		}
	}
	if totalPos == 0 || totalNeg == 0 {
		return 0, false
	}

	// Sort by prediction score (descending)
	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].score > pairs[j].score
	})

	tp, fp := 0, 0
	prev := ROCPoint{}
	for i := 0; i < len(pairs); {
		// Tied scores move the curve diagonally in one step.
		j := i
		for j < len(pairs) && pairs[j].score == pairs[i].score {
			if pairs[j].positive {
				tp++
			} else {
				fp++
			}
			j++
		}
		cur := ROCPoint{
			FPR: float64(fp) / float64(totalNeg),
			TPR: float64(tp) / float64(totalPos),
		}
		auc += (cur.FPR - prev.FPR) * (cur.TPR + prev.TPR) / 2.0
		prev = cur
		i = j
	}
	return auc, true
}

func column(data []float32, classes, c int) []float32 {
	rows := len(data) / classes
	out := make([]float32, rows)
	for r := 0; r < rows; r++ {
		out[r] = data[r*classes+c]
	}
	return out
}

func macroAUCROC(pred, label []float32, classes int) float64 {
	if classes <= 0 || len(pred) != len(label) {
		return 0
	}
	var sum float64
	n := 0
	for c := 0; c < classes; c++ {
		auc, ok := CalculateAUCROC(column(pred, classes, c), column(label, classes, c))
		if !ok {
			continue
		}
		sum += auc
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

type counts struct {
	tp, fp, fn int
}

func (c counts) f1() float64 {
	denom := 2*c.tp + c.fp + c.fn
	if denom == 0 {
		return 0
	}
	return 2 * float64(c.tp) / float64(denom)
}

func perClassCounts(pred, label []float32, classes int, threshold float32) []counts {
	out := make([]counts, classes)
	for i := range pred {
		c := i % classes
		p := pred[i] >= threshold
		y := label[i] >= 0.5
		switch {
		case p && y:
			out[c].tp++
		case p && !y:
			out[c].fp++
		case !p && y:
			out[c].fn++
		}
	}
	return out
}

func microF1(pred, label []float32, classes int, threshold float32) float64 {
	if classes <= 0 || len(pred) != len(label) {
		return 0
	}
	var total counts
	for _, c := range perClassCounts(pred, label, classes, threshold) {
		total.tp += c.tp
		total.fp += c.fp
		total.fn += c.fn
	}
	return total.f1()
}

func macroF1(pred, label []float32, classes int, threshold float32) float64 {
	if classes <= 0 || len(pred) != len(label) {
		return 0
	}
	var sum float64
	for _, c := range perClassCounts(pred, label, classes, threshold) {
		sum += c.f1()
	}
	return sum / float64(classes)
}
