package tests

import (
	"fmt"
	"net/http"
	"testing"

	"iris_platform/platform/schema"
)

func TestExpertVisibilityFollowsMatch(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}

	user1, err := env.newUser("user1")
	if err != nil {
		t.Fatal(err)
	}
	user2, err := env.newUser("user2")
	if err != nil {
		t.Fatal(err)
	}

	res1, err := user1.predict(setosaSample)
	if err != nil {
		t.Fatal(err)
	}
	res2, err := user2.predict(virginicaSample)
	if err != nil {
		t.Fatal(err)
	}

	expert, err := env.newExpert(admin, "expert1")
	if err != nil {
		t.Fatal(err)
	}

	// Unmatched experts see nothing but their own records.
	results, err := expert.listResults("")
	if err != nil {
		t.Fatal(err)
	}
	if results.Total != 0 {
		t.Fatalf("unmatched expert should see no results, got %d", results.Total)
	}

	report, err := admin.createMatches(expert.userId, user1.userId)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Created) != 1 {
		t.Fatalf("expected 1 match created, got %v", report)
	}

	// The match grants visibility into user1's records only.
	results, err = expert.listResults("")
	if err != nil {
		t.Fatal(err)
	}
	if results.Total != 1 || results.Results[0].Id != res1.ResultId {
		t.Fatalf("matched expert should see user1's result, got %v", results)
	}

	logs, err := expert.listLogs("")
	if err != nil {
		t.Fatal(err)
	}
	for _, log := range logs.Logs {
		if log.UserId != user1.userId && log.UserId != expert.userId {
			t.Fatalf("expert should not see logs of unmatched users, got %v", log)
		}
	}

	// The expert can confirm their matched user's result but not others.
	if err := expert.confirmResult(res1.ResultId, "setosa"); err != nil {
		t.Fatal(err)
	}
	err = expert.Post(fmt.Sprintf("/iris/results/%v/confirm", res2.ResultId)).
		Json(map[string]string{"label": "virginica"}).
		DoExpectStatus(http.StatusForbidden)
	if err != nil {
		t.Fatal(err)
	}

	// Cancelling the match revokes visibility and touch rights.
	matches, err := admin.listMatches("?status=" + schema.MatchInProgress)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches.Matches) != 1 {
		t.Fatalf("expected 1 in progress match, got %v", matches)
	}
	if err := admin.cancelMatch(matches.Matches[0].Id); err != nil {
		t.Fatal(err)
	}

	results, err = expert.listResults("")
	if err != nil {
		t.Fatal(err)
	}
	if results.Total != 0 {
		t.Fatalf("expert should lose visibility after cancel, got %d", results.Total)
	}
	err = expert.Post(fmt.Sprintf("/iris/results/%v/label", res1.ResultId)).
		Json(map[string]string{"label": "versicolor"}).
		DoExpectStatus(http.StatusForbidden)
	if err != nil {
		t.Fatal(err)
	}
}

func TestUserSeesOnlyOwnRecords(t *testing.T) {
	env := setupTestEnv(t)

	user1, err := env.newUser("user1")
	if err != nil {
		t.Fatal(err)
	}
	user2, err := env.newUser("user2")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := user1.predict(setosaSample); err != nil {
		t.Fatal(err)
	}
	res2, err := user2.predict(virginicaSample)
	if err != nil {
		t.Fatal(err)
	}

	results, err := user1.listResults("")
	if err != nil {
		t.Fatal(err)
	}
	if results.Total != 1 || results.Results[0].UserId != user1.userId {
		t.Fatalf("user1 should see only their own result, got %v", results)
	}

	// Direct access to another user's record is forbidden, not just hidden.
	err = user1.Post(fmt.Sprintf("/iris/results/%v/confirm", res2.ResultId)).
		Json(map[string]string{"label": "virginica"}).
		DoExpectStatus(http.StatusForbidden)
	if err != nil {
		t.Fatal(err)
	}
	err = user1.Delete(fmt.Sprintf("/iris/results/%v", res2.ResultId)).
		DoExpectStatus(http.StatusForbidden)
	if err != nil {
		t.Fatal(err)
	}
}

func TestAdminSeesEverything(t *testing.T) {
	env := setupTestEnv(t)

	user1, err := env.newUser("user1")
	if err != nil {
		t.Fatal(err)
	}
	user2, err := env.newUser("user2")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := user1.predict(setosaSample); err != nil {
		t.Fatal(err)
	}
	res2, err := user2.predict(virginicaSample)
	if err != nil {
		t.Fatal(err)
	}

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}

	results, err := admin.listResults("")
	if err != nil {
		t.Fatal(err)
	}
	if results.Total != 2 {
		t.Fatalf("admin should see all results, got %d", results.Total)
	}

	// Admins can touch any record without a match.
	if err := admin.confirmResult(res2.ResultId, "virginica"); err != nil {
		t.Fatal(err)
	}
}
