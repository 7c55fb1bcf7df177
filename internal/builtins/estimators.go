package builtins

import (
	"context"
	"fmt"

	"github.com/mattjoyce/dioptra/internal/generic"
	"github.com/mattjoyce/dioptra/internal/importer"
	"github.com/mattjoyce/dioptra/internal/plugin"
)

const (
	// EstimatorGenericsPath registers the built-in implementations of the
	// estimator generics.
	EstimatorGenericsPath = "dioptra_builtins.estimators.generics"
	// EstimatorTasksPath exposes the estimator generics as tasks.
	EstimatorTasksPath = "dioptra_builtins.estimators.classifiers"

	FitEstimator     = "fit_estimator"
	EstimatorPredict = "estimator_predict"

	defaultEpochs       = 100
	defaultLearningRate = 0.1
)

// Classifier scores a feature vector; a higher score leans towards class 1.
type Classifier interface {
	Score(x []float64) float64
}

// LinearClassifier is a perceptron over dense features.
type LinearClassifier struct {
	Weights      []float64
	Bias         float64
	LearningRate float64
	Epochs       int
}

func (c *LinearClassifier) Score(x []float64) float64 {
	s := c.Bias
	for i := 0; i < len(x) && i < len(c.Weights); i++ {
		s += c.Weights[i] * x[i]
	}
	return s
}

// ThresholdClassifier is a LinearClassifier that predicts class 1 only when
// the score reaches Threshold.
type ThresholdClassifier struct {
	LinearClassifier
	Threshold float64
}

// NewLinearClassifier returns an unfitted perceptron.
func NewLinearClassifier(learningRate float64, epochs int) *LinearClassifier {
	return &LinearClassifier{LearningRate: learningRate, Epochs: epochs}
}

// NewThresholdClassifier returns an unfitted perceptron with a decision threshold.
func NewThresholdClassifier(threshold, learningRate float64, epochs int) *ThresholdClassifier {
	return &ThresholdClassifier{
		LinearClassifier: LinearClassifier{LearningRate: learningRate, Epochs: epochs},
		Threshold:        threshold,
	}
}

// DefineEstimatorGenerics declares fit_estimator and estimator_predict in set.
// Both dispatch on the estimator argument.
func DefineEstimatorGenerics(set *generic.Set) error {
	if _, err := set.Define(FitEstimator, "estimator"); err != nil {
		return err
	}
	_, err := set.Define(EstimatorPredict, "estimator")
	return err
}

// fitLinear trains c in place. Labels must be 0 or 1.
func fitLinear(ctx context.Context, c *LinearClassifier, x [][]float64, y []int) error {
	if c == nil {
		return fmt.Errorf("estimator is nil")
	}
	dim, err := checkSamples(x)
	if err != nil {
		return err
	}
	if len(y) != len(x) {
		return fmt.Errorf("got %d samples but %d labels", len(x), len(y))
	}
	for i, label := range y {
		if label != 0 && label != 1 {
			return fmt.Errorf("label %d is %d, want 0 or 1", i, label)
		}
	}

	epochs := c.Epochs
	if epochs <= 0 {
		epochs = defaultEpochs
	}
	lr := c.LearningRate
	if lr <= 0 {
		lr = defaultLearningRate
	}

	c.Weights = make([]float64, dim)
	c.Bias = 0
	for epoch := 0; epoch < epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		mistakes := 0
		for i, row := range x {
			diff := float64(y[i] - linearPredict(c, row, 0))
			if diff == 0 {
				continue
			}
			for j := range c.Weights {
				c.Weights[j] += lr * diff * row[j]
			}
			c.Bias += lr * diff
			mistakes++
		}
		if mistakes == 0 {
			break
		}
	}
	return nil
}

// predictClassifier serves any Classifier with a zero decision boundary.
func predictClassifier(c Classifier, x [][]float64) ([]int, error) {
	if c == nil {
		return nil, fmt.Errorf("estimator is nil")
	}
	if _, err := checkSamples(x); err != nil {
		return nil, err
	}
	out := make([]int, len(x))
	for i, row := range x {
		out[i] = linearPredict(c, row, 0)
	}
	return out, nil
}

func predictThreshold(c *ThresholdClassifier, x [][]float64) ([]int, error) {
	if c == nil {
		return nil, fmt.Errorf("estimator is nil")
	}
	if _, err := checkSamples(x); err != nil {
		return nil, err
	}
	out := make([]int, len(x))
	for i, row := range x {
		out[i] = linearPredict(c, row, c.Threshold)
	}
	return out, nil
}

func linearPredict(c Classifier, row []float64, threshold float64) int {
	if c.Score(row) >= threshold {
		return 1
	}
	return 0
}

func checkSamples(x [][]float64) (int, error) {
	if len(x) == 0 {
		return 0, fmt.Errorf("no samples")
	}
	dim := len(x[0])
	for i, row := range x {
		if len(row) != dim {
			return 0, fmt.Errorf("sample %d has %d features, want %d", i, len(row), dim)
		}
	}
	return dim, nil
}

func registerEstimatorGenerics(r *importer.Registrar) error {
	if err := r.Implement(FitEstimator, fitLinear); err != nil {
		return err
	}
	if err := r.Implement(EstimatorPredict, predictClassifier); err != nil {
		return err
	}
	return r.Implement(EstimatorPredict, predictThreshold)
}

// registerEstimatorTasks exposes the generics as tasks. fit returns the
// estimator it was given so calls can be chained.
func registerEstimatorTasks(r *importer.Registrar) error {
	fit, err := r.Generic(FitEstimator)
	if err != nil {
		return err
	}
	predict, err := r.Generic(EstimatorPredict)
	if err != nil {
		return err
	}

	tasks := []struct {
		name string
		fn   any
	}{
		{"new_linear_classifier", NewLinearClassifier},
		{"new_threshold_classifier", NewThresholdClassifier},
		{"fit", func(ctx context.Context, estimator any, x [][]float64, y []int) (any, error) {
			if _, err := fit.Call(ctx, estimator, x, y); err != nil {
				return nil, err
			}
			return estimator, nil
		}},
		{"predict", func(ctx context.Context, estimator any, x [][]float64) ([]int, error) {
			out, err := predict.Call(ctx, estimator, x)
			if err != nil {
				return nil, err
			}
			return out[0].([]int), nil
		}},
	}
	for _, t := range tasks {
		if _, err := r.Register(t.fn, plugin.WithName(t.name)); err != nil {
			return err
		}
	}
	return nil
}
