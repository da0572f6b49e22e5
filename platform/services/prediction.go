package services

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"iris_platform/platform/auth"
	"iris_platform/platform/classifier"
	"iris_platform/platform/schema"
	"iris_platform/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

// Duplicate detection scopes. The original deployments disagreed on this, so
// it is an explicit configuration choice with per-caller as the default.
const (
	DuplicateScopeCaller = "caller"
	DuplicateScopeGlobal = "global"
)

type PredictionService struct {
	db       *gorm.DB
	userAuth auth.IdentityProvider

	model       classifier.Classifier
	serviceName string

	duplicateScope string
}

func (s *PredictionService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(s.userAuth.AuthMiddleware()...)

		r.Post("/predict", s.Predict)

		r.Get("/results", s.ListResults)
		r.Get("/results/export", s.ExportResults)

		r.Post("/results/{result_id}/confirm", s.ConfirmResult)
		r.Post("/results/{result_id}/label", s.EditConfirmedLabel)
		r.Delete("/results/{result_id}", s.DeleteResult)

		r.Get("/logs", s.ListLogs)
		r.Get("/logs/export", s.ExportLogs)
	})

	r.Group(func(r chi.Router) {
		r.Use(apiKeyAuth(s.db))

		r.Post("/api/predict", s.PredictWithApiKey)
	})

	return r
}

type predictResponse struct {
	ResultId       uuid.UUID               `json:"result_id"`
	PredictedLabel string                  `json:"predicted_label"`
	ConfirmedLabel string                  `json:"confirmed_label,omitempty"`
	ModelVersion   string                  `json:"model_version"`
	Duplicate      bool                    `json:"duplicate"`
	Features       classifier.IrisFeatures `json:"features"`
	CreatedAt      time.Time               `json:"created_at"`
}

func (s *PredictionService) Predict(w http.ResponseWriter, r *http.Request) {
	s.runPredict(w, r, schema.UsageWeb)
}

func (s *PredictionService) PredictWithApiKey(w http.ResponseWriter, r *http.Request) {
	s.runPredict(w, r, schema.UsageApiKey)
}

func (s *PredictionService) runPredict(w http.ResponseWriter, r *http.Request, usageType string) {
	timer := prometheus.NewTimer(predictionLatency)
	defer timer.ObserveDuration()

	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var apiKey *schema.APIKey
	if key, ok := apiKeyFromContext(r); ok {
		apiKey = &key
	}

	var features classifier.IrisFeatures
	if !utils.ParseRequestBody(w, r, &features) {
		return
	}
	if err := features.Validate(); err != nil {
		predictionMetric.WithLabelValues(usageType, "invalid").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var resp predictResponse

	// The ledger row and its usage log row commit together or not at all.
	err = s.db.Transaction(func(txn *gorm.DB) error {
		service, err := schema.GetServiceByName(s.serviceName, txn)
		if err != nil {
			return CodedError(err, http.StatusInternalServerError)
		}
		if !service.IsActive {
			return CodedError(fmt.Errorf("service '%v' is not active", service.Name), http.StatusServiceUnavailable)
		}

		if err := s.checkDailyLimit(txn, user, apiKey); err != nil {
			return err
		}

		existing, err := s.findDuplicate(txn, user, service, features)
		if err != nil {
			return err
		}

		now := time.Now().UTC()

		var keyId *uuid.UUID
		if apiKey != nil {
			keyId = &apiKey.Id
		}

		summary := fmt.Sprintf("sepal %vx%v petal %vx%v",
			features.SepalLength, features.SepalWidth, features.PetalLength, features.PetalWidth)

		if existing != nil {
			log := s.newUsageLog(r, user, service, keyId, existing.Id, usageType, schema.LogStatusDuplicate, &now)
			log.RequestSummary = summary
			if result := txn.Create(&log); result.Error != nil {
				slog.Error("sql error creating duplicate usage log", "error", result.Error)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}

			resp = predictResponse{
				ResultId:       existing.Id,
				PredictedLabel: existing.PredictedLabel,
				ConfirmedLabel: existing.ConfirmedLabel,
				ModelVersion:   existing.ModelVersion,
				Duplicate:      true,
				Features:       features,
				CreatedAt:      existing.CreatedAt,
			}
			return nil
		}

		result := schema.PredictionResult{
			Id:             uuid.New(),
			UserId:         user.Id,
			ServiceId:      service.Id,
			ApiKeyId:       keyId,
			PredictedLabel: s.model.Predict(features),
			ModelVersion:   s.model.Version(),
			CreatedAt:      now,
		}
		if res := txn.Create(&result); res.Error != nil {
			slog.Error("sql error creating prediction result", "error", res.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		payload := schema.IrisFeatures{
			ResultId:    result.Id,
			SepalLength: features.SepalLength,
			SepalWidth:  features.SepalWidth,
			PetalLength: features.PetalLength,
			PetalWidth:  features.PetalWidth,
		}
		if res := txn.Create(&payload); res.Error != nil {
			slog.Error("sql error creating iris features", "error", res.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		log := s.newUsageLog(r, user, service, keyId, result.Id, usageType, schema.LogStatusNormal, &now)
		log.RequestSummary = summary
		if res := txn.Create(&log); res.Error != nil {
			slog.Error("sql error creating usage log", "error", res.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		if err := s.bumpUsageCounters(txn, user, apiKey, now); err != nil {
			return err
		}

		resp = predictResponse{
			ResultId:       result.Id,
			PredictedLabel: result.PredictedLabel,
			ModelVersion:   result.ModelVersion,
			Features:       features,
			CreatedAt:      now,
		}
		return nil
	})

	if err != nil {
		predictionMetric.WithLabelValues(usageType, "error").Inc()
		http.Error(w, fmt.Sprintf("prediction failed: %v", err), GetResponseCode(err))
		return
	}

	if resp.Duplicate {
		predictionMetric.WithLabelValues(usageType, "duplicate").Inc()
	} else {
		predictionMetric.WithLabelValues(usageType, "ok").Inc()
	}

	utils.WriteJsonResponse(w, resp)
}

func (s *PredictionService) newUsageLog(
	r *http.Request, user schema.User, service schema.Service, keyId *uuid.UUID,
	resultId uuid.UUID, usageType, status string, inferredAt *time.Time,
) schema.UsageLog {
	return schema.UsageLog{
		Id:                 uuid.New(),
		UserId:             user.Id,
		ServiceId:          &service.Id,
		ApiKeyId:           keyId,
		ResultId:           &resultId,
		Endpoint:           r.URL.Path,
		UsageType:          usageType,
		LogStatus:          status,
		InferenceTimestamp: inferredAt,
		Timestamp:          time.Now().UTC(),
		RemoteAddr:         auth.ClientIp(r),
		ResponseStatusCode: http.StatusOK,
	}
}

func (s *PredictionService) checkDailyLimit(txn *gorm.DB, user schema.User, apiKey *schema.APIKey) error {
	startOfDay := time.Now().UTC().Truncate(24 * time.Hour)

	// Only inference events count against the quota. Login and lifecycle
	// rows (confirm, edit, delete) share the same usage types but are free.
	countSince := func(query *gorm.DB) (int64, error) {
		var count int64
		result := query.
			Where("usage_type IN ?", []string{schema.UsageWeb, schema.UsageApiKey}).
			Where("log_status IN ?", []string{schema.LogStatusNormal, schema.LogStatusDuplicate}).
			Where("timestamp >= ?", startOfDay).
			Count(&count)
		if result.Error != nil {
			slog.Error("sql error counting daily usage", "user_id", user.Id, "error", result.Error)
			return 0, CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return count, nil
	}

	count, err := countSince(txn.Model(&schema.UsageLog{}).Where("user_id = ?", user.Id))
	if err != nil {
		return err
	}
	if count >= int64(user.DailyLimit) {
		return CodedError(ErrUsageLimit, http.StatusTooManyRequests)
	}

	if apiKey != nil {
		count, err := countSince(txn.Model(&schema.UsageLog{}).Where("api_key_id = ?", apiKey.Id))
		if err != nil {
			return err
		}
		if count >= int64(apiKey.DailyLimit) {
			return CodedError(ErrUsageLimit, http.StatusTooManyRequests)
		}
	}

	return nil
}

func (s *PredictionService) findDuplicate(txn *gorm.DB, user schema.User, service schema.Service, features classifier.IrisFeatures) (*schema.PredictionResult, error) {
	query := txn.Model(&schema.PredictionResult{}).
		Joins("JOIN iris_features ON iris_features.result_id = prediction_results.id").
		Where("prediction_results.service_id = ? AND prediction_results.is_deleted = ?", service.Id, false).
		Where("iris_features.sepal_length = ? AND iris_features.sepal_width = ? AND iris_features.petal_length = ? AND iris_features.petal_width = ?",
			features.SepalLength, features.SepalWidth, features.PetalLength, features.PetalWidth)

	if s.duplicateScope == DuplicateScopeCaller {
		query = query.Where("prediction_results.user_id = ?", user.Id)
	}

	var existing schema.PredictionResult
	result := query.Select("prediction_results.*").Limit(1).Find(&existing)
	if result.Error != nil {
		slog.Error("sql error checking for duplicate prediction", "error", result.Error)
		return nil, CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &existing, nil
}

func (s *PredictionService) bumpUsageCounters(txn *gorm.DB, user schema.User, apiKey *schema.APIKey, now time.Time) error {
	result := txn.Model(&schema.User{}).Where("id = ?", user.Id).
		Update("usage_count", gorm.Expr("usage_count + 1"))
	if result.Error != nil {
		slog.Error("sql error updating user usage count", "user_id", user.Id, "error", result.Error)
		return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}

	if apiKey != nil {
		result := txn.Model(&schema.APIKey{}).Where("id = ?", apiKey.Id).
			Updates(map[string]interface{}{
				"usage_count": gorm.Expr("usage_count + 1"),
				"last_used":   now,
			})
		if result.Error != nil {
			slog.Error("sql error updating api key usage count", "key_id", apiKey.Id, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
	}

	return nil
}

type labelRequest struct {
	Label string `json:"label"`
}

// appendLifecycleLog adds a usage log row for a confirm/edit/delete event,
// carrying forward the service and api key linkage of the record's most
// recent log entry.
func appendLifecycleLog(txn *gorm.DB, r *http.Request, actor schema.User, res *schema.PredictionResult, status string) error {
	var recent schema.UsageLog
	found := true
	result := txn.Where("result_id = ?", res.Id).Order("timestamp desc").Limit(1).Find(&recent)
	if result.Error != nil {
		slog.Error("sql error loading recent usage log", "result_id", res.Id, "error", result.Error)
		return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}
	if result.RowsAffected == 0 {
		found = false
	}

	log := schema.UsageLog{
		Id:                 uuid.New(),
		UserId:             actor.Id,
		ServiceId:          &res.ServiceId,
		ApiKeyId:           res.ApiKeyId,
		ResultId:           &res.Id,
		Endpoint:           r.URL.Path,
		UsageType:          schema.UsageWeb,
		LogStatus:          status,
		Timestamp:          time.Now().UTC(),
		RemoteAddr:         auth.ClientIp(r),
		ResponseStatusCode: http.StatusOK,
	}
	if found {
		log.ServiceId = recent.ServiceId
		log.ApiKeyId = recent.ApiKeyId
		log.InferenceTimestamp = recent.InferenceTimestamp
	}

	if result := txn.Create(&log); result.Error != nil {
		slog.Error("sql error creating lifecycle usage log", "result_id", res.Id, "error", result.Error)
		return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}
	return nil
}

func (s *PredictionService) loadResultForActor(txn *gorm.DB, r *http.Request, actor schema.User) (schema.PredictionResult, error) {
	resultId, err := utils.URLParamUUID(r, "result_id")
	if err != nil {
		return schema.PredictionResult{}, CodedError(err, http.StatusBadRequest)
	}

	res, err := schema.GetResult(resultId, txn)
	if err != nil {
		if errors.Is(err, schema.ErrResultNotFound) {
			return res, CodedError(err, http.StatusNotFound)
		}
		return res, CodedError(err, http.StatusInternalServerError)
	}

	if err := auth.CanTouchResult(actor, &res, txn); err != nil {
		if errors.Is(err, auth.ErrNotPermitted) {
			return res, CodedError(err, http.StatusForbidden)
		}
		return res, CodedError(err, http.StatusInternalServerError)
	}

	return res, nil
}

func (s *PredictionService) ConfirmResult(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params labelRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		res, err := s.loadResultForActor(txn, r, actor)
		if err != nil {
			return err
		}

		service, err := schema.GetService(res.ServiceId, txn)
		if err != nil {
			return CodedError(err, http.StatusInternalServerError)
		}
		if !service.AllowsLabel(params.Label) {
			return CodedError(fmt.Errorf("label '%v' is not valid for service '%v'", params.Label, service.Name), http.StatusUnprocessableEntity)
		}

		// Confirmation is one way. Corrections go through the edit endpoint.
		if res.Confirm {
			return CodedError(errors.New("result is already confirmed"), http.StatusConflict)
		}

		now := time.Now().UTC()
		result := txn.Model(&schema.PredictionResult{}).Where("id = ?", res.Id).
			Updates(map[string]interface{}{
				"confirmed_label": params.Label,
				"confirm":         true,
				"confirmed_at":    now,
			})
		if result.Error != nil {
			slog.Error("sql error confirming result", "result_id", res.Id, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return appendLifecycleLog(txn, r, actor, &res, schema.LogStatusConfirm)
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error confirming result: %v", err), GetResponseCode(err))
		return
	}

	confirmationMetric.Inc()
	utils.WriteSuccess(w)
}

func (s *PredictionService) EditConfirmedLabel(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params labelRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		res, err := s.loadResultForActor(txn, r, actor)
		if err != nil {
			return err
		}

		service, err := schema.GetService(res.ServiceId, txn)
		if err != nil {
			return CodedError(err, http.StatusInternalServerError)
		}
		if !service.AllowsLabel(params.Label) {
			return CodedError(fmt.Errorf("label '%v' is not valid for service '%v'", params.Label, service.Name), http.StatusUnprocessableEntity)
		}

		if !res.Confirm {
			return CodedError(errors.New("result has not been confirmed yet"), http.StatusConflict)
		}

		now := time.Now().UTC()
		result := txn.Model(&schema.PredictionResult{}).Where("id = ?", res.Id).
			Updates(map[string]interface{}{
				"confirmed_label": params.Label,
				"confirmed_at":    now,
			})
		if result.Error != nil {
			slog.Error("sql error editing confirmed label", "result_id", res.Id, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return appendLifecycleLog(txn, r, actor, &res, schema.LogStatusEdit)
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error editing result: %v", err), GetResponseCode(err))
		return
	}

	correctionMetric.Inc()
	utils.WriteSuccess(w)
}

func (s *PredictionService) DeleteResult(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		res, err := s.loadResultForActor(txn, r, actor)
		if err != nil {
			return err
		}

		// Soft delete only. The row and its usage logs are kept forever,
		// the record just disappears from lookups and listings.
		result := txn.Model(&schema.PredictionResult{}).Where("id = ?", res.Id).
			Update("is_deleted", true)
		if result.Error != nil {
			slog.Error("sql error soft deleting result", "result_id", res.Id, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return appendLifecycleLog(txn, r, actor, &res, schema.LogStatusDelete)
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error deleting result: %v", err), GetResponseCode(err))
		return
	}

	deletionMetric.Inc()
	utils.WriteSuccess(w)
}
