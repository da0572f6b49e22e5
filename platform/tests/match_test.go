package tests

import (
	"net/http"
	"testing"

	"iris_platform/platform/schema"
)

func TestMatchLifecycle(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}

	user, err := env.newUser("user1")
	if err != nil {
		t.Fatal(err)
	}
	expert, err := env.newExpert(admin, "expert1")
	if err != nil {
		t.Fatal(err)
	}

	candidates, err := admin.listCandidates("")
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 1 || candidates[0].Id != user.userId {
		t.Fatalf("only the unassigned plain user should be a candidate, got %v", candidates)
	}

	report, err := admin.createMatches(expert.userId, user.userId)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Created) != 1 || len(report.Skipped) != 0 {
		t.Fatalf("unexpected create report %v", report)
	}

	info, err := user.userInfo()
	if err != nil {
		t.Fatal(err)
	}
	if info.MatchStatus != schema.MatchInProgress {
		t.Fatalf("user mirror should be in_progress, got %v", info.MatchStatus)
	}

	// A matched user is not a candidate and cannot be matched again.
	candidates, err = admin.listCandidates("")
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 0 {
		t.Fatalf("matched user should not be a candidate, got %v", candidates)
	}
	report, err = admin.createMatches(expert.userId, user.userId)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Created) != 0 || len(report.Skipped) != 1 {
		t.Fatalf("second match for the same user should be skipped, got %v", report)
	}

	matches, err := admin.listMatches("")
	if err != nil {
		t.Fatal(err)
	}
	if matches.Total != 1 {
		t.Fatalf("expected 1 match, got %d", matches.Total)
	}
	matchId := matches.Matches[0].Id

	if err := admin.completeMatch(matchId); err != nil {
		t.Fatal(err)
	}

	// Completing again is a no-op, cancelling a completed match conflicts.
	if err := admin.completeMatch(matchId); err != nil {
		t.Fatal(err)
	}
	err = admin.Post("/match/" + matchId + "/cancel").DoExpectStatus(http.StatusConflict)
	if err != nil {
		t.Fatal(err)
	}

	// Completion frees the user for rematching.
	info, err = user.userInfo()
	if err != nil {
		t.Fatal(err)
	}
	if info.MatchStatus != schema.MatchUnassigned {
		t.Fatalf("user mirror should reset after completion, got %v", info.MatchStatus)
	}
	candidates, err = admin.listCandidates("")
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 1 {
		t.Fatalf("completed user should be a candidate again, got %v", candidates)
	}
}

func TestMatchCreateSkipsIneligibleUsers(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}

	user, err := env.newUser("user1")
	if err != nil {
		t.Fatal(err)
	}
	expert1, err := env.newExpert(admin, "expert1")
	if err != nil {
		t.Fatal(err)
	}
	expert2, err := env.newExpert(admin, "expert2")
	if err != nil {
		t.Fatal(err)
	}

	// Experts cannot be matched as users, and a bad entry does not block the
	// rest of the batch.
	report, err := admin.createMatches(expert1.userId, expert2.userId, user.userId)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Created) != 1 || report.Created[0] != user.userId {
		t.Fatalf("only the plain user should be matched, got %v", report)
	}
	if len(report.Skipped) != 1 || report.Skipped[0].Id != expert2.userId {
		t.Fatalf("expert entry should be skipped, got %v", report)
	}

	// The assignee must be an active expert.
	err = admin.Post("/match/create").Json(map[string]interface{}{
		"expert_id": user.userId,
		"user_ids":  []string{user.userId},
	}).DoExpectStatus(http.StatusUnprocessableEntity)
	if err != nil {
		t.Fatal(err)
	}
}

func TestMatchReassign(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}

	user, err := env.newUser("user1")
	if err != nil {
		t.Fatal(err)
	}
	res, err := user.predict(setosaSample)
	if err != nil {
		t.Fatal(err)
	}

	expert1, err := env.newExpert(admin, "expert1")
	if err != nil {
		t.Fatal(err)
	}
	expert2, err := env.newExpert(admin, "expert2")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := admin.createMatches(expert1.userId, user.userId); err != nil {
		t.Fatal(err)
	}

	matches, err := admin.listMatches("")
	if err != nil {
		t.Fatal(err)
	}
	matchId := matches.Matches[0].Id

	if err := admin.reassignMatch(matchId, expert2.userId); err != nil {
		t.Fatal(err)
	}

	// Visibility moves with the assignment.
	results, err := expert2.listResults("")
	if err != nil {
		t.Fatal(err)
	}
	if results.Total != 1 || results.Results[0].Id != res.ResultId {
		t.Fatalf("expert2 should see the user's results after reassign, got %v", results)
	}
	results, err = expert1.listResults("")
	if err != nil {
		t.Fatal(err)
	}
	if results.Total != 0 {
		t.Fatalf("expert1 should lose visibility after reassign, got %d", results.Total)
	}

	// Closed matches cannot be reassigned.
	if err := admin.cancelMatch(matchId); err != nil {
		t.Fatal(err)
	}
	err = admin.Post("/match/"+matchId+"/reassign").
		Json(map[string]string{"expert_id": expert1.userId}).
		DoExpectStatus(http.StatusConflict)
	if err != nil {
		t.Fatal(err)
	}
}

func TestMatchEndpointsAreAdminOnly(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}

	user, err := env.newUser("user1")
	if err != nil {
		t.Fatal(err)
	}
	expert, err := env.newExpert(admin, "expert1")
	if err != nil {
		t.Fatal(err)
	}

	for _, c := range []client{user, expert} {
		if err := c.Get("/match/list").DoExpectStatus(http.StatusForbidden); err != nil {
			t.Fatal(err)
		}
		if err := c.Get("/match/candidates").DoExpectStatus(http.StatusForbidden); err != nil {
			t.Fatal(err)
		}
		err := c.Post("/match/create").Json(map[string]interface{}{
			"expert_id": expert.userId,
			"user_ids":  []string{user.userId},
		}).DoExpectStatus(http.StatusForbidden)
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestBatchMatchOperations(t *testing.T) {
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
	expert, err := env.newExpert(admin, "expert1")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := admin.createMatches(expert.userId, user1.userId, user2.userId); err != nil {
		t.Fatal(err)
	}

	matches, err := admin.listMatches("")
	if err != nil {
		t.Fatal(err)
	}
	if matches.Total != 2 {
		t.Fatalf("expected 2 matches, got %d", matches.Total)
	}

	matchIds := []string{matches.Matches[0].Id, matches.Matches[1].Id}

	// Complete one, then batch cancel both. The completed one is skipped.
	if err := admin.completeMatch(matchIds[0]); err != nil {
		t.Fatal(err)
	}

	var batch struct {
		Updated   []string `json:"updated"`
		Unchanged []string `json:"unchanged"`
		Skipped   []struct {
			Id     string `json:"id"`
			Reason string `json:"reason"`
		} `json:"skipped"`
	}
	err = admin.Post("/match/batch/cancel").Json(map[string]interface{}{
		"match_ids": matchIds,
	}).Do(&batch)
	if err != nil {
		t.Fatal(err)
	}

	if len(batch.Updated) != 1 || len(batch.Unchanged) != 0 || len(batch.Skipped) != 1 {
		t.Fatalf("unexpected batch report %v", batch)
	}
	if batch.Updated[0] != matchIds[1] || batch.Skipped[0].Id != matchIds[0] {
		t.Fatalf("completed match should be skipped, in progress match cancelled, got %v", batch)
	}

	// Re-running is harmless: the already cancelled match is reported as
	// unchanged rather than updated, the completed one still conflicts.
	err = admin.Post("/match/batch/cancel").Json(map[string]interface{}{
		"match_ids": matchIds,
	}).Do(&batch)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch.Updated) != 0 || len(batch.Unchanged) != 1 || len(batch.Skipped) != 1 {
		t.Fatalf("unexpected batch report on rerun %v", batch)
	}
	if batch.Unchanged[0] != matchIds[1] {
		t.Fatalf("cancelled match should be reported unchanged, got %v", batch)
	}
}

func TestMatchLogsRecordTransitions(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}

	user, err := env.newUser("user1")
	if err != nil {
		t.Fatal(err)
	}
	expert1, err := env.newExpert(admin, "expert1")
	if err != nil {
		t.Fatal(err)
	}
	expert2, err := env.newExpert(admin, "expert2")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := admin.createMatches(expert1.userId, user.userId); err != nil {
		t.Fatal(err)
	}
	matches, err := admin.listMatches("")
	if err != nil {
		t.Fatal(err)
	}
	matchId := matches.Matches[0].Id

	if err := admin.reassignMatch(matchId, expert2.userId); err != nil {
		t.Fatal(err)
	}
	if err := admin.completeMatch(matchId); err != nil {
		t.Fatal(err)
	}

	logs, err := admin.listMatchLogs("")
	if err != nil {
		t.Fatal(err)
	}

	titles := map[string]int{}
	for _, log := range logs.Logs {
		titles[log.Title]++
	}
	if titles[schema.MatchLogCreate] != 1 || titles[schema.MatchLogReassign] != 1 || titles[schema.MatchLogComplete] != 1 {
		t.Fatalf("unexpected match log titles %v", titles)
	}

	// Title filter narrows the listing.
	logs, err = admin.listMatchLogs("?title=" + schema.MatchLogReassign)
	if err != nil {
		t.Fatal(err)
	}
	if logs.Total != 1 || logs.Logs[0].Title != schema.MatchLogReassign {
		t.Fatalf("title filter should return only reassign logs, got %v", logs)
	}
}
