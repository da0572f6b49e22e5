package services

import (
	"errors"
	"log/slog"
	"net/http"

	"iris_platform/platform/schema"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const apiKeyPrefix = "iris_platform_key"

var (
	ErrMissingAPIKey  = errors.New("API key is missing")
	ErrInvalidAPIKey  = errors.New("API key is invalid")
	ErrInactiveAPIKey = errors.New("API key is disabled")
	ErrUsageLimit     = errors.New("daily usage limit exceeded")
)

type codedError struct {
	err  error
	code int
}

func (e *codedError) Error() string {
	return e.err.Error()
}

func (e *codedError) Unwrap() error {
	return e.err
}

func CodedError(err error, code int) error {
	return &codedError{err: err, code: code}
}

func GetResponseCode(err error) int {
	var cerr *codedError
	if errors.As(err, &cerr) {
		return cerr.code
	}
	slog.Error("non coded error passed to GetResponseCode", "error", err)
	return http.StatusInternalServerError
}

func checkUserExists(txn *gorm.DB, userId uuid.UUID) (schema.User, error) {
	user, err := schema.GetUser(userId, txn)
	if err != nil {
		if errors.Is(err, schema.ErrUserNotFound) {
			return user, CodedError(err, http.StatusNotFound)
		}
		return user, CodedError(err, http.StatusInternalServerError)
	}
	return user, nil
}

func checkActiveExpert(txn *gorm.DB, expertId uuid.UUID) (schema.User, error) {
	expert, err := checkUserExists(txn, expertId)
	if err != nil {
		return expert, err
	}
	if !expert.IsExpert() || !expert.IsActive || expert.IsDeleted {
		return expert, CodedError(errors.New("assignee must be an active expert"), http.StatusUnprocessableEntity)
	}
	return expert, nil
}
