package schema

import (
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrServiceNotFound = errors.New("service not found")
	ErrResultNotFound  = errors.New("prediction result not found")
	ErrMatchNotFound   = errors.New("match not found")
	ErrApiKeyNotFound  = errors.New("api key not found")
	ErrDbAccessFailed  = errors.New("db access failed")
)

func GetUser(userId uuid.UUID, db *gorm.DB) (User, error) {
	var user User

	result := db.First(&user, "id = ?", userId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return user, ErrUserNotFound
		}
		slog.Error("sql error in get user", "user_id", userId, "error", result.Error)
		return user, ErrDbAccessFailed
	}

	return user, nil
}

func GetService(serviceId uuid.UUID, db *gorm.DB) (Service, error) {
	var service Service

	result := db.First(&service, "id = ?", serviceId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return service, ErrServiceNotFound
		}
		slog.Error("sql error in get service", "service_id", serviceId, "error", result.Error)
		return service, ErrDbAccessFailed
	}

	return service, nil
}

func GetServiceByName(name string, db *gorm.DB) (Service, error) {
	var service Service

	result := db.First(&service, "name = ?", name)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return service, ErrServiceNotFound
		}
		slog.Error("sql error in get service by name", "name", name, "error", result.Error)
		return service, ErrDbAccessFailed
	}

	return service, nil
}

// GetResult excludes soft deleted rows: once a result is deleted, direct id
// lookups report not found, matching the visibility of listings and exports.
func GetResult(resultId uuid.UUID, db *gorm.DB) (PredictionResult, error) {
	var res PredictionResult

	result := db.Preload("Iris").First(&res, "id = ? AND is_deleted = ?", resultId, false)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return res, ErrResultNotFound
		}
		slog.Error("sql error in get result", "result_id", resultId, "error", result.Error)
		return res, ErrDbAccessFailed
	}

	return res, nil
}

func GetMatch(matchId uuid.UUID, db *gorm.DB) (Match, error) {
	var match Match

	result := db.First(&match, "id = ?", matchId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return match, ErrMatchNotFound
		}
		slog.Error("sql error in get match", "match_id", matchId, "error", result.Error)
		return match, ErrDbAccessFailed
	}

	return match, nil
}
