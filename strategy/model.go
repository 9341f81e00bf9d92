// strategy/model.go
package strategy

import (
	"fmt"
	"math"
	"time"
)

// Training hyperparameters for the logistic direction classifier. They are
// deliberately conservative; the model is a probability source for the signal
// blend, not a standalone strategy.
const (
	trainEpochs   = 200
	learningRate  = 0.05
	l2Penalty     = 0.001
	cvFolds       = 5
	minFoldSize   = 20
	decisionLevel = 0.5
)

// directionModel is a logistic classifier over the engineered features,
// predicting the probability that the next bar closes higher.
type directionModel struct {
	weights   []float64
	bias      float64
	trainedAt time.Time
	samples   int
	cvScore   float64
}

func sigmoid(z float64) float64 {
	return 1.0 / (1.0 + math.Exp(-z))
}

// predictProb returns P(next bar up) for one feature vector.
func (m *directionModel) predictProb(features []float64) float64 {
	z := m.bias
	for i, w := range m.weights {
		z += w * features[i]
	}
	return sigmoid(z)
}

// fit runs batch gradient descent over the full sample set.
func (m *directionModel) fit(features [][]float64, labels []float64) {
	dim := len(features[0])
	m.weights = make([]float64, dim)
	m.bias = 0

	n := float64(len(features))
	for epoch := 0; epoch < trainEpochs; epoch++ {
		gradW := make([]float64, dim)
		var gradB float64
		for i, x := range features {
			err := m.predictProb(x) - labels[i]
			for j, xj := range x {
				gradW[j] += err * xj
			}
			gradB += err
		}
		for j := range m.weights {
			m.weights[j] -= learningRate * (gradW[j]/n + l2Penalty*m.weights[j])
		}
		m.bias -= learningRate * gradB / n
	}
	m.samples = len(features)
	m.trainedAt = time.Now()
}

// crossValidate runs walk-forward validation: each fold trains on all samples
// before it and scores on the fold itself. Folds keep time order, so no
// future data ever reaches a training set.
func crossValidate(features [][]float64, labels []float64) (float64, error) {
	n := len(features)
	foldSize := n / (cvFolds + 1)
	if foldSize < minFoldSize {
		return 0, fmt.Errorf("insufficient samples for %d folds: %d", cvFolds, n)
	}

	var totalAccuracy float64
	for fold := 1; fold <= cvFolds; fold++ {
		trainEnd := fold * foldSize
		testEnd := trainEnd + foldSize
		if testEnd > n {
			testEnd = n
		}

		fm := &directionModel{}
		fm.fit(features[:trainEnd], labels[:trainEnd])

		correct := 0
		for i := trainEnd; i < testEnd; i++ {
			predicted := 0.0
			if fm.predictProb(features[i]) > decisionLevel {
				predicted = 1.0
			}
			if predicted == labels[i] {
				correct++
			}
		}
		totalAccuracy += float64(correct) / float64(testEnd-trainEnd)
	}
	return totalAccuracy / cvFolds, nil
}
