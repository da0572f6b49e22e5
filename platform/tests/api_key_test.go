package tests

import (
	"net/http"
	"strings"
	"testing"
)

func TestApiKeyPredict(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("keyuser")
	if err != nil {
		t.Fatal(err)
	}

	_, apiKey, err := user.createApiKey("test-key")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(apiKey, "iris_platform_key-") {
		t.Fatalf("unexpected key format %v", apiKey)
	}

	// The key authenticates without a session token.
	anon := env.newClient()
	res, err := anon.predictWithKey(apiKey, setosaSample)
	if err != nil {
		t.Fatal(err)
	}
	if res.PredictedLabel != "setosa" {
		t.Fatalf("unexpected prediction %v", res.PredictedLabel)
	}

	// The prediction belongs to the key's owner.
	results, err := user.listResults("")
	if err != nil {
		t.Fatal(err)
	}
	if results.Total != 1 || results.Results[0].UserId != user.userId {
		t.Fatalf("api key prediction should be attributed to the key owner, got %v", results)
	}

	// Bad or missing keys are rejected.
	err = anon.Post("/iris/api/predict").ApiKey("iris_platform_key-bogus").Json(setosaSample).
		DoExpectStatus(http.StatusUnauthorized)
	if err != nil {
		t.Fatal(err)
	}
	err = anon.Post("/iris/api/predict").Json(setosaSample).DoExpectStatus(http.StatusUnauthorized)
	if err != nil {
		t.Fatal(err)
	}
	err = anon.Post("/iris/api/predict").ApiKey("wrong_prefix-abc").Json(setosaSample).
		DoExpectStatus(http.StatusUnauthorized)
	if err != nil {
		t.Fatal(err)
	}
}

func TestDisableEnableApiKey(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("keyuser")
	if err != nil {
		t.Fatal(err)
	}

	keyId, apiKey, err := user.createApiKey("toggled-key")
	if err != nil {
		t.Fatal(err)
	}

	anon := env.newClient()
	if _, err := anon.predictWithKey(apiKey, setosaSample); err != nil {
		t.Fatal(err)
	}

	// Another user cannot disable a key they do not own.
	other, err := env.newUser("other")
	if err != nil {
		t.Fatal(err)
	}
	err = other.Post("/keys/" + keyId + "/disable").DoExpectStatus(http.StatusForbidden)
	if err != nil {
		t.Fatal(err)
	}

	if err := user.disableApiKey(keyId); err != nil {
		t.Fatal(err)
	}

	err = anon.Post("/iris/api/predict").ApiKey(apiKey).Json(versicolorSample).
		DoExpectStatus(http.StatusUnauthorized)
	if err != nil {
		t.Fatal(err)
	}

	// Admins can flip any key.
	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}
	if err := admin.enableApiKey(keyId); err != nil {
		t.Fatal(err)
	}

	if _, err := anon.predictWithKey(apiKey, versicolorSample); err != nil {
		t.Fatal(err)
	}
}

func TestApiKeyOfDeactivatedUserIsRejected(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("shortlived")
	if err != nil {
		t.Fatal(err)
	}

	_, apiKey, err := user.createApiKey("orphan-key")
	if err != nil {
		t.Fatal(err)
	}

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}
	if err := admin.deleteUser(user.userId); err != nil {
		t.Fatal(err)
	}

	anon := env.newClient()
	err = anon.Post("/iris/api/predict").ApiKey(apiKey).Json(setosaSample).
		DoExpectStatus(http.StatusForbidden)
	if err != nil {
		t.Fatal(err)
	}
}

func TestListApiKeys(t *testing.T) {
	env := setupTestEnv(t)

	user1, err := env.newUser("user1")
	if err != nil {
		t.Fatal(err)
	}
	user2, err := env.newUser("user2")
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := user1.createApiKey("key-a"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := user1.createApiKey("key-b"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := user2.createApiKey("key-c"); err != nil {
		t.Fatal(err)
	}

	keys, err := user1.listApiKeys()
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("user1 should see 2 keys, got %d", len(keys))
	}
	for _, key := range keys {
		if key.UserId != user1.userId {
			t.Fatalf("user should only see their own keys, got %v", key)
		}
	}

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}
	keys, err = admin.listApiKeys()
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 3 {
		t.Fatalf("admin should see all 3 keys, got %d", len(keys))
	}
}
