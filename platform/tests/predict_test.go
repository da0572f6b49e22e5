package tests

import (
	"fmt"
	"net/http"
	"testing"

	"iris_platform/platform/schema"
)

var (
	setosaSample     = irisFeatures{SepalLength: 5.1, SepalWidth: 3.5, PetalLength: 1.4, PetalWidth: 0.2}
	versicolorSample = irisFeatures{SepalLength: 5.7, SepalWidth: 2.8, PetalLength: 4.1, PetalWidth: 1.3}
	virginicaSample  = irisFeatures{SepalLength: 6.3, SepalWidth: 3.3, PetalLength: 6.0, PetalWidth: 2.5}
)

func TestPredictKnownSpecies(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("botanist")
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		features irisFeatures
		expected string
	}{
		{setosaSample, "setosa"},
		{versicolorSample, "versicolor"},
		{virginicaSample, "virginica"},
	}

	for _, c := range cases {
		res, err := user.predict(c.features)
		if err != nil {
			t.Fatal(err)
		}
		if res.PredictedLabel != c.expected {
			t.Fatalf("expected %v, got %v for features %v", c.expected, res.PredictedLabel, c.features)
		}
		if res.Duplicate {
			t.Fatal("fresh prediction should not be marked duplicate")
		}
		if res.ModelVersion == "" || res.ResultId == "" {
			t.Fatalf("incomplete prediction response %v", res)
		}
	}

	results, err := user.listResults("")
	if err != nil {
		t.Fatal(err)
	}
	if results.Total != 3 {
		t.Fatalf("expected 3 results, got %d", results.Total)
	}
}

func TestPredictRejectsInvalidFeatures(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("botanist")
	if err != nil {
		t.Fatal(err)
	}

	bad := irisFeatures{SepalLength: -1, SepalWidth: 3.5, PetalLength: 1.4, PetalWidth: 0.2}
	err = user.Post("/iris/predict").Json(bad).DoExpectStatus(http.StatusBadRequest)
	if err != nil {
		t.Fatal(err)
	}

	results, err := user.listResults("")
	if err != nil {
		t.Fatal(err)
	}
	if results.Total != 0 {
		t.Fatal("rejected prediction should not create a ledger row")
	}
}

func TestDuplicateDetection(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("botanist")
	if err != nil {
		t.Fatal(err)
	}

	first, err := user.predict(setosaSample)
	if err != nil {
		t.Fatal(err)
	}

	second, err := user.predict(setosaSample)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Duplicate {
		t.Fatal("second identical prediction should be a duplicate")
	}
	if second.ResultId != first.ResultId {
		t.Fatal("duplicate should return the original result")
	}

	// No second ledger row, but both requests are logged.
	results, err := user.listResults("")
	if err != nil {
		t.Fatal(err)
	}
	if results.Total != 1 {
		t.Fatalf("expected 1 result, got %d", results.Total)
	}

	logs, err := user.listLogs("")
	if err != nil {
		t.Fatal(err)
	}
	statuses := map[string]int{}
	for _, log := range logs.Logs {
		statuses[log.LogStatus]++
	}
	if statuses[schema.LogStatusNormal] != 2 || statuses[schema.LogStatusDuplicate] != 1 {
		// One normal log from the login plus one from the prediction.
		t.Fatalf("unexpected log statuses %v", statuses)
	}

	// A different caller with the same features is not a duplicate under the
	// per caller scope.
	other, err := env.newUser("other")
	if err != nil {
		t.Fatal(err)
	}
	res, err := other.predict(setosaSample)
	if err != nil {
		t.Fatal(err)
	}
	if res.Duplicate {
		t.Fatal("per caller scope should not dedupe across users")
	}
}

func TestGlobalDuplicateScope(t *testing.T) {
	env := setupTestEnvWithScope(t, "global")

	user1, err := env.newUser("user1")
	if err != nil {
		t.Fatal(err)
	}
	user2, err := env.newUser("user2")
	if err != nil {
		t.Fatal(err)
	}

	first, err := user1.predict(setosaSample)
	if err != nil {
		t.Fatal(err)
	}

	res, err := user2.predict(setosaSample)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Duplicate || res.ResultId != first.ResultId {
		t.Fatal("global scope should dedupe across users")
	}
}

func TestDeletedResultDoesNotBlockDuplicate(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("botanist")
	if err != nil {
		t.Fatal(err)
	}

	first, err := user.predict(setosaSample)
	if err != nil {
		t.Fatal(err)
	}
	if err := user.deleteResult(first.ResultId); err != nil {
		t.Fatal(err)
	}

	res, err := user.predict(setosaSample)
	if err != nil {
		t.Fatal(err)
	}
	if res.Duplicate {
		t.Fatal("soft deleted rows should not participate in duplicate detection")
	}
	if res.ResultId == first.ResultId {
		t.Fatal("expected a new ledger row after deletion")
	}
}

func TestConfirmEditDeleteLifecycle(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("botanist")
	if err != nil {
		t.Fatal(err)
	}

	res, err := user.predict(versicolorSample)
	if err != nil {
		t.Fatal(err)
	}

	// Edits require a confirmation first.
	err = user.Post(fmt.Sprintf("/iris/results/%v/label", res.ResultId)).
		Json(map[string]string{"label": "virginica"}).
		DoExpectStatus(http.StatusConflict)
	if err != nil {
		t.Fatal(err)
	}

	// Labels outside the service's set are rejected.
	err = user.Post(fmt.Sprintf("/iris/results/%v/confirm", res.ResultId)).
		Json(map[string]string{"label": "orchid"}).
		DoExpectStatus(http.StatusUnprocessableEntity)
	if err != nil {
		t.Fatal(err)
	}

	if err := user.confirmResult(res.ResultId, "versicolor"); err != nil {
		t.Fatal(err)
	}

	results, err := user.listResults("?confirm=true")
	if err != nil {
		t.Fatal(err)
	}
	if results.Total != 1 || !results.Results[0].Confirm || results.Results[0].ConfirmedLabel != "versicolor" {
		t.Fatalf("unexpected confirmed listing %v", results)
	}

	// Confirmation is one way.
	err = user.Post(fmt.Sprintf("/iris/results/%v/confirm", res.ResultId)).
		Json(map[string]string{"label": "versicolor"}).
		DoExpectStatus(http.StatusConflict)
	if err != nil {
		t.Fatal(err)
	}

	// Edits can be repeated.
	if err := user.editResult(res.ResultId, "virginica"); err != nil {
		t.Fatal(err)
	}
	if err := user.editResult(res.ResultId, "versicolor"); err != nil {
		t.Fatal(err)
	}

	if err := user.deleteResult(res.ResultId); err != nil {
		t.Fatal(err)
	}

	// A deleted result is gone from direct lookups and listings.
	err = user.Post(fmt.Sprintf("/iris/results/%v/confirm", res.ResultId)).
		Json(map[string]string{"label": "versicolor"}).
		DoExpectStatus(http.StatusNotFound)
	if err != nil {
		t.Fatal(err)
	}
	err = user.Delete(fmt.Sprintf("/iris/results/%v", res.ResultId)).DoExpectStatus(http.StatusNotFound)
	if err != nil {
		t.Fatal(err)
	}
	results, err = user.listResults("")
	if err != nil {
		t.Fatal(err)
	}
	if results.Total != 0 {
		t.Fatal("deleted result should not appear in listings")
	}

	// Every lifecycle event left a log row.
	logs, err := user.listLogs("")
	if err != nil {
		t.Fatal(err)
	}
	statuses := map[string]int{}
	for _, log := range logs.Logs {
		statuses[log.LogStatus]++
	}
	if statuses[schema.LogStatusConfirm] != 1 || statuses[schema.LogStatusEdit] != 2 || statuses[schema.LogStatusDelete] != 1 {
		t.Fatalf("unexpected lifecycle log statuses %v", statuses)
	}
}

func TestConfirmationTimestampMirrorsConfirmFlag(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("botanist")
	if err != nil {
		t.Fatal(err)
	}

	res, err := user.predict(versicolorSample)
	if err != nil {
		t.Fatal(err)
	}

	var row schema.PredictionResult
	if err := env.db.First(&row, "id = ?", res.ResultId).Error; err != nil {
		t.Fatal(err)
	}
	if row.Confirm || row.ConfirmedAt != nil {
		t.Fatalf("fresh result should be unconfirmed with no timestamp, got confirm=%v confirmed_at=%v", row.Confirm, row.ConfirmedAt)
	}

	if err := user.confirmResult(res.ResultId, "versicolor"); err != nil {
		t.Fatal(err)
	}
	if err := env.db.First(&row, "id = ?", res.ResultId).Error; err != nil {
		t.Fatal(err)
	}
	if !row.Confirm || row.ConfirmedAt == nil {
		t.Fatalf("confirmed result should carry a timestamp, got confirm=%v confirmed_at=%v", row.Confirm, row.ConfirmedAt)
	}
	confirmedAt := *row.ConfirmedAt

	// Edits keep the result confirmed and refresh the timestamp.
	if err := user.editResult(res.ResultId, "virginica"); err != nil {
		t.Fatal(err)
	}
	if err := env.db.First(&row, "id = ?", res.ResultId).Error; err != nil {
		t.Fatal(err)
	}
	if !row.Confirm || row.ConfirmedAt == nil {
		t.Fatalf("edited result should stay confirmed with a timestamp, got confirm=%v confirmed_at=%v", row.Confirm, row.ConfirmedAt)
	}
	if row.ConfirmedAt.Before(confirmedAt) {
		t.Fatalf("edit moved the confirmation timestamp backwards, %v -> %v", confirmedAt, row.ConfirmedAt)
	}
}

func TestDailyUsageLimit(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("heavy")
	if err != nil {
		t.Fatal(err)
	}

	// Only inference traffic counts against the limit, login logs do not.
	err = env.db.Model(&schema.User{}).Where("id = ?", user.userId).Update("daily_limit", 2).Error
	if err != nil {
		t.Fatal(err)
	}

	if _, err := user.predict(setosaSample); err != nil {
		t.Fatal(err)
	}
	if _, err := user.predict(virginicaSample); err != nil {
		t.Fatal(err)
	}

	err = user.Post("/iris/predict").Json(versicolorSample).DoExpectStatus(http.StatusTooManyRequests)
	if err != nil {
		t.Fatal(err)
	}
}

func TestLifecycleEventsDoNotConsumeDailyQuota(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("curator")
	if err != nil {
		t.Fatal(err)
	}

	err = env.db.Model(&schema.User{}).Where("id = ?", user.userId).Update("daily_limit", 2).Error
	if err != nil {
		t.Fatal(err)
	}

	res, err := user.predict(setosaSample)
	if err != nil {
		t.Fatal(err)
	}

	// Confirming, editing, and deleting write usage logs but are free, only
	// inference requests count against the quota.
	if err := user.confirmResult(res.ResultId, "setosa"); err != nil {
		t.Fatal(err)
	}
	if err := user.editResult(res.ResultId, "versicolor"); err != nil {
		t.Fatal(err)
	}
	if err := user.deleteResult(res.ResultId); err != nil {
		t.Fatal(err)
	}

	if _, err := user.predict(virginicaSample); err != nil {
		t.Fatal(err)
	}

	err = user.Post("/iris/predict").Json(versicolorSample).DoExpectStatus(http.StatusTooManyRequests)
	if err != nil {
		t.Fatal(err)
	}
}
