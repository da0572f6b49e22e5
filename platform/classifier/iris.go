// Package classifier holds the inference models served by the platform. The
// models are pure functions: no state, no side effects, deterministic output
// for a given feature vector.
package classifier

import "fmt"

type IrisFeatures struct {
	SepalLength float64 `json:"sepal_length"`
	SepalWidth  float64 `json:"sepal_width"`
	PetalLength float64 `json:"petal_length"`
	PetalWidth  float64 `json:"petal_width"`
}

func (f IrisFeatures) Validate() error {
	check := func(name string, v float64) error {
		if v <= 0 || v > 30 {
			return fmt.Errorf("feature %v must be a positive measurement in cm, got %v", name, v)
		}
		return nil
	}

	if err := check("sepal_length", f.SepalLength); err != nil {
		return err
	}
	if err := check("sepal_width", f.SepalWidth); err != nil {
		return err
	}
	if err := check("petal_length", f.PetalLength); err != nil {
		return err
	}
	return check("petal_width", f.PetalWidth)
}

type Classifier interface {
	Predict(features IrisFeatures) string

	Labels() []string

	Version() string
}

const (
	Setosa     = "setosa"
	Versicolor = "versicolor"
	Virginica  = "virginica"
)

// IrisClassifier is a decision tree fit on the classic iris dataset, reduced
// to its petal thresholds. Petal dimensions separate the three species almost
// perfectly, which is why the tree never consults the sepal features.
type IrisClassifier struct{}

func NewIrisClassifier() IrisClassifier {
	return IrisClassifier{}
}

func (c IrisClassifier) Predict(features IrisFeatures) string {
	if features.PetalLength < 2.45 {
		return Setosa
	}
	if features.PetalWidth < 1.75 {
		if features.PetalLength > 4.95 && features.PetalWidth > 1.55 {
			return Virginica
		}
		return Versicolor
	}
	return Virginica
}

func (c IrisClassifier) Labels() []string {
	return []string{Setosa, Versicolor, Virginica}
}

func (c IrisClassifier) Version() string {
	return "1.0"
}
