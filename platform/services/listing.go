package services

import (
	"encoding/csv"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"iris_platform/platform/auth"
	"iris_platform/platform/schema"
	"iris_platform/utils"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type resultInfo struct {
	Id             uuid.UUID  `json:"id"`
	UserId         uuid.UUID  `json:"user_id"`
	ServiceId      uuid.UUID  `json:"service_id"`
	ApiKeyId       *uuid.UUID `json:"api_key_id,omitempty"`
	SepalLength    float64    `json:"sepal_length"`
	SepalWidth     float64    `json:"sepal_width"`
	PetalLength    float64    `json:"petal_length"`
	PetalWidth     float64    `json:"petal_width"`
	PredictedLabel string     `json:"predicted_label"`
	ConfirmedLabel string     `json:"confirmed_label,omitempty"`
	Confirm        bool       `json:"confirm"`
	ModelVersion   string     `json:"model_version"`
	CreatedAt      time.Time  `json:"created_at"`
	ConfirmedAt    *time.Time `json:"confirmed_at,omitempty"`
}

func toResultInfo(res schema.PredictionResult) resultInfo {
	info := resultInfo{
		Id:             res.Id,
		UserId:         res.UserId,
		ServiceId:      res.ServiceId,
		ApiKeyId:       res.ApiKeyId,
		PredictedLabel: res.PredictedLabel,
		ConfirmedLabel: res.ConfirmedLabel,
		Confirm:        res.Confirm,
		ModelVersion:   res.ModelVersion,
		CreatedAt:      res.CreatedAt,
		ConfirmedAt:    res.ConfirmedAt,
	}
	if res.Iris != nil {
		info.SepalLength = res.Iris.SepalLength
		info.SepalWidth = res.Iris.SepalWidth
		info.PetalLength = res.Iris.PetalLength
		info.PetalWidth = res.Iris.PetalWidth
	}
	return info
}

// buildResultsQuery assembles the filtered, role scoped query used by both
// the results listing and its csv export.
func (s *PredictionService) buildResultsQuery(r *http.Request, viewer schema.User) (*gorm.DB, listFilters, error) {
	filters, err := parseListFilters(r, "created_at", "created_at", "confirmed_at")
	if err != nil {
		return nil, filters, err
	}

	query := s.db.Model(&schema.PredictionResult{}).Where("is_deleted = ?", false)

	query, err = scopeToViewer(query, s.db, viewer, "user_id")
	if err != nil {
		return nil, filters, err
	}

	if filters.search != "" {
		pattern := "%" + filters.search + "%"
		query = query.Where(
			s.db.Where("predicted_label LIKE ?", pattern).
				Or("confirmed_label LIKE ?", pattern),
		)
	}

	if filters.confirm != "" {
		query = query.Where("confirm = ?", filters.confirm == "true")
	}

	query = applyDateRange(query, filters.dateColumn, filters.start, filters.end)

	return query, filters, nil
}

type listResultsResponse struct {
	Total   int64        `json:"total"`
	Page    int          `json:"page"`
	PerPage int          `json:"per_page"`
	Results []resultInfo `json:"results"`
}

func (s *PredictionService) ListResults(w http.ResponseWriter, r *http.Request) {
	viewer, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	query, filters, err := s.buildResultsQuery(r, viewer)
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		slog.Error("sql error counting results", "error", err)
		http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	var results []schema.PredictionResult
	err = paginate(query.Order("created_at desc"), filters).Preload("Iris").Find(&results).Error
	if err != nil {
		slog.Error("sql error listing results", "error", err)
		http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	infos := make([]resultInfo, 0, len(results))
	for _, res := range results {
		infos = append(infos, toResultInfo(res))
	}

	utils.WriteJsonResponse(w, listResultsResponse{
		Total:   total,
		Page:    filters.page,
		PerPage: filters.perPage,
		Results: infos,
	})
}

func (s *PredictionService) ExportResults(w http.ResponseWriter, r *http.Request) {
	viewer, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	query, _, err := s.buildResultsQuery(r, viewer)
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	var results []schema.PredictionResult
	err = query.Order("created_at desc").Preload("Iris").Find(&results).Error
	if err != nil {
		slog.Error("sql error exporting results", "error", err)
		http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="prediction_results.csv"`)

	writer := csv.NewWriter(w)
	header := []string{
		"id", "user_id", "sepal_length", "sepal_width", "petal_length", "petal_width",
		"predicted_label", "confirmed_label", "confirm", "model_version", "created_at", "confirmed_at",
	}
	if err := writer.Write(header); err != nil {
		slog.Error("error writing csv header", "error", err)
		return
	}

	for _, res := range results {
		info := toResultInfo(res)
		confirmedAt := ""
		if info.ConfirmedAt != nil {
			confirmedAt = info.ConfirmedAt.Format(time.RFC3339)
		}
		row := []string{
			info.Id.String(),
			info.UserId.String(),
			formatFloat(info.SepalLength),
			formatFloat(info.SepalWidth),
			formatFloat(info.PetalLength),
			formatFloat(info.PetalWidth),
			info.PredictedLabel,
			info.ConfirmedLabel,
			strconv.FormatBool(info.Confirm),
			info.ModelVersion,
			info.CreatedAt.Format(time.RFC3339),
			confirmedAt,
		}
		if err := writer.Write(row); err != nil {
			slog.Error("error writing csv row", "error", err)
			return
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		slog.Error("error flushing csv export", "error", err)
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

type usageLogInfo struct {
	Id                 uuid.UUID  `json:"id"`
	UserId             uuid.UUID  `json:"user_id"`
	ServiceId          *uuid.UUID `json:"service_id,omitempty"`
	ApiKeyId           *uuid.UUID `json:"api_key_id,omitempty"`
	ResultId           *uuid.UUID `json:"result_id,omitempty"`
	Endpoint           string     `json:"endpoint"`
	UsageType          string     `json:"usage_type"`
	LogStatus          string     `json:"log_status"`
	InferenceTimestamp *time.Time `json:"inference_timestamp,omitempty"`
	Timestamp          time.Time  `json:"timestamp"`
	RemoteAddr         string     `json:"remote_addr"`
	ResponseStatusCode int        `json:"response_status_code"`
}

func toUsageLogInfo(log schema.UsageLog) usageLogInfo {
	return usageLogInfo{
		Id:                 log.Id,
		UserId:             log.UserId,
		ServiceId:          log.ServiceId,
		ApiKeyId:           log.ApiKeyId,
		ResultId:           log.ResultId,
		Endpoint:           log.Endpoint,
		UsageType:          log.UsageType,
		LogStatus:          log.LogStatus,
		InferenceTimestamp: log.InferenceTimestamp,
		Timestamp:          log.Timestamp,
		RemoteAddr:         log.RemoteAddr,
		ResponseStatusCode: log.ResponseStatusCode,
	}
}

func (s *PredictionService) buildLogsQuery(r *http.Request, viewer schema.User) (*gorm.DB, listFilters, error) {
	filters, err := parseListFilters(r, "timestamp", "timestamp", "inference_timestamp")
	if err != nil {
		return nil, filters, err
	}

	query := s.db.Model(&schema.UsageLog{})

	query, err = scopeToViewer(query, s.db, viewer, "user_id")
	if err != nil {
		return nil, filters, err
	}

	if filters.search != "" {
		pattern := "%" + filters.search + "%"
		query = query.Where(
			s.db.Where("log_status LIKE ?", pattern).
				Or("usage_type LIKE ?", pattern).
				Or("endpoint LIKE ?", pattern),
		)
	}

	query = applyDateRange(query, filters.dateColumn, filters.start, filters.end)

	return query, filters, nil
}

type listLogsResponse struct {
	Total   int64          `json:"total"`
	Page    int            `json:"page"`
	PerPage int            `json:"per_page"`
	Logs    []usageLogInfo `json:"logs"`
}

func (s *PredictionService) ListLogs(w http.ResponseWriter, r *http.Request) {
	viewer, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	query, filters, err := s.buildLogsQuery(r, viewer)
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		slog.Error("sql error counting usage logs", "error", err)
		http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	var logs []schema.UsageLog
	err = paginate(query.Order("timestamp desc"), filters).Find(&logs).Error
	if err != nil {
		slog.Error("sql error listing usage logs", "error", err)
		http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	infos := make([]usageLogInfo, 0, len(logs))
	for _, log := range logs {
		infos = append(infos, toUsageLogInfo(log))
	}

	utils.WriteJsonResponse(w, listLogsResponse{
		Total:   total,
		Page:    filters.page,
		PerPage: filters.perPage,
		Logs:    infos,
	})
}

func (s *PredictionService) ExportLogs(w http.ResponseWriter, r *http.Request) {
	viewer, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	query, _, err := s.buildLogsQuery(r, viewer)
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	var logs []schema.UsageLog
	if err := query.Order("timestamp desc").Find(&logs).Error; err != nil {
		slog.Error("sql error exporting usage logs", "error", err)
		http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="usage_logs.csv"`)

	writer := csv.NewWriter(w)
	header := []string{
		"id", "user_id", "result_id", "endpoint", "usage_type", "log_status",
		"inference_timestamp", "timestamp", "remote_addr", "response_status_code",
	}
	if err := writer.Write(header); err != nil {
		slog.Error("error writing csv header", "error", err)
		return
	}

	for _, log := range logs {
		resultId := ""
		if log.ResultId != nil {
			resultId = log.ResultId.String()
		}
		inferredAt := ""
		if log.InferenceTimestamp != nil {
			inferredAt = log.InferenceTimestamp.Format(time.RFC3339)
		}
		row := []string{
			log.Id.String(),
			log.UserId.String(),
			resultId,
			log.Endpoint,
			log.UsageType,
			log.LogStatus,
			inferredAt,
			log.Timestamp.Format(time.RFC3339),
			log.RemoteAddr,
			strconv.Itoa(log.ResponseStatusCode),
		}
		if err := writer.Write(row); err != nil {
			slog.Error("error writing csv row", "error", err)
			return
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		slog.Error("error flushing csv export", "error", err)
	}
}
