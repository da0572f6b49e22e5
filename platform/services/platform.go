package services

import (
	"net/http"

	"iris_platform/platform/auth"
	"iris_platform/platform/classifier"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// Platform bundles the http services over a shared db handle and identity
// provider.
type Platform struct {
	User       *UserService
	ApiKeys    *ApiKeyService
	Prediction *PredictionService
	Match      *MatchService
}

type PlatformArgs struct {
	Model          classifier.Classifier
	ServiceName    string
	DuplicateScope string
}

func NewPlatform(db *gorm.DB, userAuth auth.IdentityProvider, args PlatformArgs) *Platform {
	scope := args.DuplicateScope
	if scope != DuplicateScopeGlobal {
		scope = DuplicateScopeCaller
	}

	return &Platform{
		User:    &UserService{db: db, userAuth: userAuth},
		ApiKeys: &ApiKeyService{db: db, userAuth: userAuth},
		Prediction: &PredictionService{
			db:             db,
			userAuth:       userAuth,
			model:          args.Model,
			serviceName:    args.ServiceName,
			duplicateScope: scope,
		},
		Match: &MatchService{db: db, userAuth: userAuth},
	}
}

func (p *Platform) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)

	r.Mount("/user", p.User.Routes())
	r.Mount("/keys", p.ApiKeys.Routes())
	r.Mount("/iris", p.Prediction.Routes())
	r.Mount("/match", p.Match.Routes())

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
