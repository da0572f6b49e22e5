package tests

import (
	"bytes"
	"testing"

	"iris_platform/platform/auth"
	"iris_platform/platform/classifier"
	"iris_platform/platform/config"
	"iris_platform/platform/schema"
	"iris_platform/platform/services"

	"github.com/go-chi/chi/v5"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type testEnv struct {
	platform *services.Platform
	api      chi.Router
	db       *gorm.DB
}

const (
	adminUsername = "admin123"
	adminEmail    = "admin123@mail.com"
	adminPassword = "admin_password123"
)

func setupTestEnv(t *testing.T) *testEnv {
	return setupTestEnvWithScope(t, services.DuplicateScopeCaller)
}

func setupTestEnvWithScope(t *testing.T, duplicateScope string) *testEnv {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatal(err)
	}

	err = db.AutoMigrate(
		&schema.User{}, &schema.APIKey{}, &schema.Service{},
		&schema.PredictionResult{}, &schema.IrisFeatures{}, &schema.UsageLog{},
		&schema.Match{}, &schema.MatchLog{},
	)
	if err != nil {
		t.Fatal(err)
	}

	if err := config.DefaultCatalog().Seed(db); err != nil {
		t.Fatal(err)
	}

	secret := []byte("290zcv02ai249")

	userAuth, err := auth.NewBasicIdentityProvider(
		db,
		auth.NewAuditLogger(new(bytes.Buffer)),
		auth.BasicProviderArgs{
			Secret:        secret,
			AdminUsername: adminUsername,
			AdminEmail:    adminEmail,
			AdminPassword: adminPassword,
		},
	)
	if err != nil {
		t.Fatal(err)
	}

	platform := services.NewPlatform(db, userAuth, services.PlatformArgs{
		Model:          classifier.NewIrisClassifier(),
		ServiceName:    "iris",
		DuplicateScope: duplicateScope,
	})

	return &testEnv{platform: platform, api: platform.Routes(), db: db}
}

func (t *testEnv) newClient() client {
	return client{api: t.api}
}

// newUser signs up and logs in a plain user.
func (t *testEnv) newUser(username string) (client, error) {
	c := t.newClient()
	login, err := c.signup(username, username+"@mail.com", username+"_password")
	if err != nil {
		return client{}, err
	}

	err = c.login(login)
	if err != nil {
		return client{}, err
	}

	return c, nil
}

func (t *testEnv) adminClient() (client, error) {
	c := t.newClient()
	err := c.login(loginInfo{Email: adminEmail, Password: adminPassword})
	return c, err
}

// newExpert creates an expert account through the admin create endpoint and
// logs in as that expert.
func (t *testEnv) newExpert(admin client, username string) (client, error) {
	login, err := admin.addUser(username, username+"@mail.com", username+"_password", schema.RoleExpert)
	if err != nil {
		return client{}, err
	}

	c := t.newClient()
	err = c.login(login)
	if err != nil {
		return client{}, err
	}

	return c, nil
}
