package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"iris_platform/platform/auth"
	"iris_platform/platform/schema"
	"iris_platform/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ApiKeyService struct {
	db       *gorm.DB
	userAuth auth.IdentityProvider
}

func (s *ApiKeyService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(s.userAuth.AuthMiddleware()...)

		r.Post("/create", s.CreateKey)
		r.Get("/list", s.ListKeys)
		r.Post("/{key_id}/disable", s.DisableKey)
		r.Post("/{key_id}/enable", s.EnableKey)
	})

	return r
}

func generateApiKey() (string, string, error) {
	secret, err := generateRandomString(32)
	if err != nil {
		return "", "", err
	}

	fullKey := fmt.Sprintf("%v-%v", apiKeyPrefix, secret)
	return fullKey, hashSecret(secret), nil
}

func generateRandomString(n int) (string, error) {
	bytes := make([]byte, n)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	str := base64.RawURLEncoding.EncodeToString(bytes)
	if len(str) < n {
		return "", errors.New("insufficient length in generated string")
	}
	return str[:n], nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func validateApiKey(db *gorm.DB, r *http.Request) (schema.APIKey, error) {
	fullKey := r.Header.Get("X-API-Key")
	if fullKey == "" {
		return schema.APIKey{}, ErrMissingAPIKey
	}

	secret, found := strings.CutPrefix(fullKey, apiKeyPrefix+"-")
	if !found {
		return schema.APIKey{}, ErrInvalidAPIKey
	}

	var record schema.APIKey
	if err := db.First(&record, "hashkey = ?", hashSecret(secret)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return schema.APIKey{}, ErrInvalidAPIKey
		}
		slog.Error("sql error looking up api key", "error", err)
		return schema.APIKey{}, schema.ErrDbAccessFailed
	}

	if !record.IsActive {
		return schema.APIKey{}, ErrInactiveAPIKey
	}

	return record, nil
}

type apiKeyContextKey string

const apiKeyRequestContextKey apiKeyContextKey = "api_key"

// apiKeyAuth authenticates a request by the X-API-Key header and resolves the
// key's owning user into the request context. It is the API variant of the
// session middleware: downstream handlers see the same caller identity.
func apiKeyAuth(db *gorm.DB) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		handler := func(w http.ResponseWriter, r *http.Request) {
			record, err := validateApiKey(db, r)
			if err != nil {
				switch {
				case errors.Is(err, ErrMissingAPIKey), errors.Is(err, ErrInvalidAPIKey), errors.Is(err, ErrInactiveAPIKey):
					http.Error(w, err.Error(), http.StatusUnauthorized)
				default:
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			user, err := schema.GetUser(record.UserId, db)
			if err != nil {
				http.Error(w, fmt.Sprintf("unable to get user: %v", err), http.StatusInternalServerError)
				return
			}

			if !user.IsActive || user.IsDeleted {
				http.Error(w, auth.ErrAccountDisabled.Error(), http.StatusForbidden)
				return
			}

			reqCtx := r.Context()
			reqCtx = context.WithValue(reqCtx, auth.UserRequestContextKey, user)
			reqCtx = context.WithValue(reqCtx, apiKeyRequestContextKey, record)

			next.ServeHTTP(w, r.WithContext(reqCtx))
		}
		return http.HandlerFunc(handler)
	}
}

func apiKeyFromContext(r *http.Request) (schema.APIKey, bool) {
	key, ok := r.Context().Value(apiKeyRequestContextKey).(schema.APIKey)
	return key, ok
}

type createKeyRequest struct {
	Name string `json:"name"`
}

type createKeyResponse struct {
	KeyId  uuid.UUID `json:"key_id"`
	ApiKey string    `json:"api_key"`
}

func (s *ApiKeyService) CreateKey(w http.ResponseWriter, r *http.Request) {
	var params createKeyRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if strings.TrimSpace(params.Name) == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	fullKey, hashKey, err := generateApiKey()
	if err != nil {
		slog.Error("error generating api key", "error", err)
		http.Error(w, "error generating api key", http.StatusInternalServerError)
		return
	}

	record := schema.APIKey{
		Id:            uuid.New(),
		HashKey:       hashKey,
		Name:          params.Name,
		UserId:        user.Id,
		IsActive:      true,
		GeneratedTime: time.Now().UTC(),
	}

	if err := s.db.Create(&record).Error; err != nil {
		slog.Error("sql error creating api key", "error", err)
		http.Error(w, fmt.Sprintf("error creating api key: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	// The full key is returned exactly once, only its hash is stored.
	utils.WriteJsonResponse(w, createKeyResponse{KeyId: record.Id, ApiKey: fullKey})
}

type apiKeyInfo struct {
	Id            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	UserId        uuid.UUID `json:"user_id"`
	IsActive      bool      `json:"is_active"`
	UsageCount    int       `json:"usage_count"`
	DailyLimit    int       `json:"daily_limit"`
	GeneratedTime time.Time `json:"generated_time"`
	LastUsed      time.Time `json:"last_used"`
}

func (s *ApiKeyService) ListKeys(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	query := s.db.Order("generated_time desc")
	if !user.IsAdmin() {
		query = query.Where("user_id = ?", user.Id)
	}

	var keys []schema.APIKey
	if err := query.Find(&keys).Error; err != nil {
		slog.Error("sql error listing api keys", "error", err)
		http.Error(w, fmt.Sprintf("error listing api keys: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	infos := make([]apiKeyInfo, 0, len(keys))
	for _, key := range keys {
		infos = append(infos, apiKeyInfo{
			Id:            key.Id,
			Name:          key.Name,
			UserId:        key.UserId,
			IsActive:      key.IsActive,
			UsageCount:    key.UsageCount,
			DailyLimit:    key.DailyLimit,
			GeneratedTime: key.GeneratedTime,
			LastUsed:      key.LastUsed,
		})
	}

	utils.WriteJsonResponse(w, infos)
}

func (s *ApiKeyService) setKeyActive(w http.ResponseWriter, r *http.Request, active bool) {
	keyId, err := utils.URLParamUUID(r, "key_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		var key schema.APIKey
		result := txn.First(&key, "id = ?", keyId)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return CodedError(schema.ErrApiKeyNotFound, http.StatusNotFound)
			}
			slog.Error("sql error loading api key", "key_id", keyId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		if key.UserId != user.Id && !user.IsAdmin() {
			return CodedError(auth.ErrNotPermitted, http.StatusForbidden)
		}

		key.IsActive = active
		if result := txn.Save(&key); result.Error != nil {
			slog.Error("sql error updating api key state", "key_id", keyId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error updating api key %v: %v", keyId, err), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}

func (s *ApiKeyService) DisableKey(w http.ResponseWriter, r *http.Request) {
	s.setKeyActive(w, r, false)
}

func (s *ApiKeyService) EnableKey(w http.ResponseWriter, r *http.Request) {
	s.setKeyActive(w, r, true)
}
