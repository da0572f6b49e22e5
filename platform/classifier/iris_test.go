package classifier

import "testing"

func TestPredictSeparatesSpecies(t *testing.T) {
	model := NewIrisClassifier()

	cases := []struct {
		features IrisFeatures
		expected string
	}{
		{IrisFeatures{5.1, 3.5, 1.4, 0.2}, Setosa},
		{IrisFeatures{4.9, 3.0, 1.4, 0.2}, Setosa},
		{IrisFeatures{5.7, 2.8, 4.1, 1.3}, Versicolor},
		{IrisFeatures{6.0, 2.9, 4.5, 1.5}, Versicolor},
		{IrisFeatures{6.3, 3.3, 6.0, 2.5}, Virginica},
		{IrisFeatures{6.2, 2.8, 4.8, 1.8}, Virginica},
		// Long but narrow petals fall on the virginica side of the split.
		{IrisFeatures{6.0, 2.7, 5.1, 1.6}, Virginica},
	}

	for _, c := range cases {
		if got := model.Predict(c.features); got != c.expected {
			t.Errorf("expected %v for %+v, got %v", c.expected, c.features, got)
		}
	}
}

func TestValidateRejectsNonMeasurements(t *testing.T) {
	good := IrisFeatures{5.1, 3.5, 1.4, 0.2}
	if err := good.Validate(); err != nil {
		t.Fatal(err)
	}

	bad := []IrisFeatures{
		{0, 3.5, 1.4, 0.2},
		{5.1, -3.5, 1.4, 0.2},
		{5.1, 3.5, 31.0, 0.2},
		{5.1, 3.5, 1.4, 0},
	}
	for _, features := range bad {
		if err := features.Validate(); err == nil {
			t.Errorf("expected validation error for %+v", features)
		}
	}
}
