package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"iris_platform/platform/schema"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrNotPermitted = errors.New("caller is not permitted to access this record")

func AdminOnly(db *gorm.DB) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		hfn := func(w http.ResponseWriter, r *http.Request) {
			user, err := UserFromContext(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			if !user.IsAdmin() {
				http.Error(w, fmt.Sprintf("user %v is not an admin", user.Id), http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(hfn)
	}
}

// InProgressMatchedUserIds lists the users currently assigned to the given
// expert. Only in_progress matches count, completed or cancelled matches
// grant no visibility.
func InProgressMatchedUserIds(expertId uuid.UUID, db *gorm.DB) ([]uuid.UUID, error) {
	var matches []schema.Match
	result := db.Find(&matches, "expert_id = ? AND status = ?", expertId, schema.MatchInProgress)
	if result.Error != nil {
		slog.Error("sql error listing matched users for expert", "expert_id", expertId, "error", result.Error)
		return nil, schema.ErrDbAccessFailed
	}

	ids := make([]uuid.UUID, 0, len(matches))
	for _, match := range matches {
		ids = append(ids, match.UserId)
	}
	return ids, nil
}

func isMatchedToOwner(expertId, ownerId uuid.UUID, db *gorm.DB) (bool, error) {
	var match schema.Match
	result := db.Limit(1).Find(&match, "expert_id = ? AND user_id = ? AND status = ?", expertId, ownerId, schema.MatchInProgress)
	if result.Error != nil {
		slog.Error("sql error checking expert match", "expert_id", expertId, "user_id", ownerId, "error", result.Error)
		return false, schema.ErrDbAccessFailed
	}
	return result.RowsAffected != 0, nil
}

// CanTouchResult is the single authorization rule for confirming, editing,
// and deleting a prediction result. Admins may touch any record, owners may
// touch their own, and an expert may touch records of users assigned to them
// through an in_progress match. Everything else is ErrNotPermitted.
func CanTouchResult(actor schema.User, result *schema.PredictionResult, db *gorm.DB) error {
	if actor.IsAdmin() {
		return nil
	}

	if result.UserId == actor.Id {
		return nil
	}

	if actor.IsExpert() {
		matched, err := isMatchedToOwner(actor.Id, result.UserId, db)
		if err != nil {
			return err
		}
		if matched {
			return nil
		}
	}

	return ErrNotPermitted
}
