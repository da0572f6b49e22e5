package services

import (
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"iris_platform/platform/auth"
	"iris_platform/platform/schema"
	"iris_platform/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MatchService runs the expert matching workflow. Every endpoint is admin
// only: users and experts see the consequences of matching through the
// visibility scope on results and logs, not through this service.
type MatchService struct {
	db       *gorm.DB
	userAuth auth.IdentityProvider
}

func (s *MatchService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(s.userAuth.AuthMiddleware()...)
		r.Use(auth.AdminOnly(s.db))

		r.Post("/create", s.CreateMatches)

		r.Post("/{match_id}/reassign", s.ReassignMatch)
		r.Post("/{match_id}/cancel", s.CancelMatch)
		r.Post("/{match_id}/complete", s.CompleteMatch)

		r.Post("/batch/reassign", s.BatchReassign)
		r.Post("/batch/cancel", s.BatchCancel)
		r.Post("/batch/complete", s.BatchComplete)

		r.Get("/list", s.ListMatches)
		r.Get("/candidates", s.ListCandidates)

		r.Get("/logs", s.ListMatchLogs)
		r.Get("/logs/export", s.ExportMatchLogs)
	})

	return r
}

func appendMatchLog(txn *gorm.DB, admin schema.User, match *schema.Match, title, summary string) error {
	log := schema.MatchLog{
		Id:        uuid.New(),
		AdminId:   admin.Id,
		UserId:    &match.UserId,
		ExpertId:  &match.ExpertId,
		MatchId:   &match.Id,
		Status:    match.Status,
		Title:     title,
		Summary:   summary,
		Timestamp: time.Now().UTC(),
	}
	if result := txn.Create(&log); result.Error != nil {
		slog.Error("sql error creating match log", "match_id", match.Id, "error", result.Error)
		return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}
	return nil
}

func setUserMatchStatus(txn *gorm.DB, userId uuid.UUID, status string) error {
	result := txn.Model(&schema.User{}).Where("id = ?", userId).Update("match_status", status)
	if result.Error != nil {
		slog.Error("sql error updating user match status", "user_id", userId, "error", result.Error)
		return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}
	return nil
}

type createMatchesRequest struct {
	UserIds  []uuid.UUID `json:"user_ids"`
	ExpertId uuid.UUID   `json:"expert_id"`
}

type skippedEntry struct {
	Id     uuid.UUID `json:"id"`
	Reason string    `json:"reason"`
}

type createMatchesResponse struct {
	Created []uuid.UUID    `json:"created"`
	Skipped []skippedEntry `json:"skipped"`
}

// CreateMatches assigns each requested user to the expert. Users are handled
// in independent transactions so one bad entry does not roll back the rest.
func (s *MatchService) CreateMatches(w http.ResponseWriter, r *http.Request) {
	admin, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params createMatchesRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	if len(params.UserIds) == 0 {
		http.Error(w, "user_ids must not be empty", http.StatusBadRequest)
		return
	}

	if _, err := checkActiveExpert(s.db, params.ExpertId); err != nil {
		http.Error(w, fmt.Sprintf("error creating matches: %v", err), GetResponseCode(err))
		return
	}

	resp := createMatchesResponse{Created: []uuid.UUID{}, Skipped: []skippedEntry{}}

	for _, userId := range params.UserIds {
		err := s.db.Transaction(func(txn *gorm.DB) error {
			user, err := checkUserExists(txn, userId)
			if err != nil {
				return err
			}
			if user.Role != schema.RoleUser {
				return CodedError(fmt.Errorf("user %v has role '%v', only plain users can be matched", userId, user.Role), http.StatusUnprocessableEntity)
			}
			if user.IsDeleted || !user.IsActive {
				return CodedError(fmt.Errorf("user %v is not active", userId), http.StatusUnprocessableEntity)
			}
			if user.MatchStatus == schema.MatchInProgress {
				return CodedError(fmt.Errorf("user %v already has an in progress match", userId), http.StatusConflict)
			}

			match := schema.Match{
				Id:          uuid.New(),
				UserId:      userId,
				ExpertId:    params.ExpertId,
				Status:      schema.MatchInProgress,
				RequestedAt: time.Now().UTC(),
			}
			if result := txn.Create(&match); result.Error != nil {
				slog.Error("sql error creating match", "user_id", userId, "error", result.Error)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}

			if err := setUserMatchStatus(txn, userId, schema.MatchInProgress); err != nil {
				return err
			}

			return appendMatchLog(txn, admin, &match, schema.MatchLogCreate,
				fmt.Sprintf("user %v assigned to expert %v", userId, params.ExpertId))
		})

		if err != nil {
			resp.Skipped = append(resp.Skipped, skippedEntry{Id: userId, Reason: err.Error()})
			continue
		}
		resp.Created = append(resp.Created, userId)
		matchTransitionMetric.WithLabelValues("create").Inc()
	}

	utils.WriteJsonResponse(w, resp)
}

func getMatch(txn *gorm.DB, matchId uuid.UUID) (schema.Match, error) {
	match, err := schema.GetMatch(matchId, txn)
	if err != nil {
		if errors.Is(err, schema.ErrMatchNotFound) {
			return match, CodedError(err, http.StatusNotFound)
		}
		return match, CodedError(err, http.StatusInternalServerError)
	}
	return match, nil
}

type reassignRequest struct {
	ExpertId uuid.UUID `json:"expert_id"`
}

func (s *MatchService) reassign(txn *gorm.DB, admin schema.User, matchId, expertId uuid.UUID) error {
	match, err := getMatch(txn, matchId)
	if err != nil {
		return err
	}

	if match.Status != schema.MatchInProgress {
		return CodedError(fmt.Errorf("match %v is %v, only in progress matches can be reassigned", matchId, match.Status), http.StatusConflict)
	}

	if _, err := checkActiveExpert(txn, expertId); err != nil {
		return err
	}

	previous := match.ExpertId
	match.ExpertId = expertId
	if result := txn.Model(&schema.Match{}).Where("id = ?", matchId).Update("expert_id", expertId); result.Error != nil {
		slog.Error("sql error reassigning match", "match_id", matchId, "error", result.Error)
		return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}

	return appendMatchLog(txn, admin, &match, schema.MatchLogReassign,
		fmt.Sprintf("expert changed from %v to %v", previous, expertId))
}

func (s *MatchService) ReassignMatch(w http.ResponseWriter, r *http.Request) {
	admin, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	matchId, err := utils.URLParamUUID(r, "match_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params reassignRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		return s.reassign(txn, admin, matchId, params.ExpertId)
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("error reassigning match %v: %v", matchId, err), GetResponseCode(err))
		return
	}

	matchTransitionMetric.WithLabelValues("reassign").Inc()
	utils.WriteSuccess(w)
}

// close moves a match to the given terminal status and resets the user's
// mirror column so they become eligible for matching again. Closing a match
// that is already in the requested terminal state is a no-op and reports no
// change, closing one in the other terminal state is a conflict.
func (s *MatchService) close(txn *gorm.DB, admin schema.User, matchId uuid.UUID, target, title string) (bool, error) {
	match, err := getMatch(txn, matchId)
	if err != nil {
		return false, err
	}

	if match.Status == target {
		return false, nil
	}
	if match.Status != schema.MatchInProgress {
		return false, CodedError(fmt.Errorf("match %v is %v, cannot change it to %v", matchId, match.Status, target), http.StatusConflict)
	}

	now := time.Now().UTC()
	match.Status = target
	match.ClosedAt = &now
	result := txn.Model(&schema.Match{}).Where("id = ?", matchId).
		Updates(map[string]interface{}{"status": target, "closed_at": now})
	if result.Error != nil {
		slog.Error("sql error closing match", "match_id", matchId, "error", result.Error)
		return false, CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}

	if err := setUserMatchStatus(txn, match.UserId, schema.MatchUnassigned); err != nil {
		return false, err
	}

	err = appendMatchLog(txn, admin, &match, title,
		fmt.Sprintf("match for user %v closed as %v", match.UserId, target))
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *MatchService) closeHandler(w http.ResponseWriter, r *http.Request, target, title, transition string) {
	admin, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	matchId, err := utils.URLParamUUID(r, "match_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	changed := false
	err = s.db.Transaction(func(txn *gorm.DB) error {
		var err error
		changed, err = s.close(txn, admin, matchId, target, title)
		return err
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("error closing match %v: %v", matchId, err), GetResponseCode(err))
		return
	}

	if changed {
		matchTransitionMetric.WithLabelValues(transition).Inc()
	}
	utils.WriteSuccess(w)
}

func (s *MatchService) CancelMatch(w http.ResponseWriter, r *http.Request) {
	s.closeHandler(w, r, schema.MatchCancelled, schema.MatchLogCancel, "cancel")
}

func (s *MatchService) CompleteMatch(w http.ResponseWriter, r *http.Request) {
	s.closeHandler(w, r, schema.MatchCompleted, schema.MatchLogComplete, "complete")
}

type batchRequest struct {
	MatchIds []uuid.UUID `json:"match_ids"`
	ExpertId uuid.UUID   `json:"expert_id,omitempty"`
}

type batchResponse struct {
	Updated   []uuid.UUID    `json:"updated"`
	Unchanged []uuid.UUID    `json:"unchanged"`
	Skipped   []skippedEntry `json:"skipped"`
}

// runBatch applies op to each match in its own transaction, so failures are
// reported per entry instead of aborting the batch. Entries already in the
// requested state land in the unchanged bucket and do not count as
// transitions.
func (s *MatchService) runBatch(w http.ResponseWriter, r *http.Request, transition string, op func(txn *gorm.DB, admin schema.User, matchId uuid.UUID, params batchRequest) (bool, error)) {
	admin, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params batchRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	if len(params.MatchIds) == 0 {
		http.Error(w, "match_ids must not be empty", http.StatusBadRequest)
		return
	}

	resp := batchResponse{Updated: []uuid.UUID{}, Unchanged: []uuid.UUID{}, Skipped: []skippedEntry{}}
	for _, matchId := range params.MatchIds {
		changed := false
		err := s.db.Transaction(func(txn *gorm.DB) error {
			var err error
			changed, err = op(txn, admin, matchId, params)
			return err
		})
		if err != nil {
			resp.Skipped = append(resp.Skipped, skippedEntry{Id: matchId, Reason: err.Error()})
			continue
		}
		if !changed {
			resp.Unchanged = append(resp.Unchanged, matchId)
			continue
		}
		resp.Updated = append(resp.Updated, matchId)
		matchTransitionMetric.WithLabelValues(transition).Inc()
	}

	utils.WriteJsonResponse(w, resp)
}

func (s *MatchService) BatchReassign(w http.ResponseWriter, r *http.Request) {
	s.runBatch(w, r, "reassign", func(txn *gorm.DB, admin schema.User, matchId uuid.UUID, params batchRequest) (bool, error) {
		err := s.reassign(txn, admin, matchId, params.ExpertId)
		return err == nil, err
	})
}

func (s *MatchService) BatchCancel(w http.ResponseWriter, r *http.Request) {
	s.runBatch(w, r, "cancel", func(txn *gorm.DB, admin schema.User, matchId uuid.UUID, _ batchRequest) (bool, error) {
		return s.close(txn, admin, matchId, schema.MatchCancelled, schema.MatchLogCancel)
	})
}

func (s *MatchService) BatchComplete(w http.ResponseWriter, r *http.Request) {
	s.runBatch(w, r, "complete", func(txn *gorm.DB, admin schema.User, matchId uuid.UUID, _ batchRequest) (bool, error) {
		return s.close(txn, admin, matchId, schema.MatchCompleted, schema.MatchLogComplete)
	})
}

type matchInfo struct {
	Id          uuid.UUID  `json:"id"`
	UserId      uuid.UUID  `json:"user_id"`
	Username    string     `json:"username,omitempty"`
	ExpertId    uuid.UUID  `json:"expert_id"`
	ExpertName  string     `json:"expert_name,omitempty"`
	Status      string     `json:"status"`
	RequestedAt time.Time  `json:"requested_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

type listMatchesResponse struct {
	Total   int64       `json:"total"`
	Page    int         `json:"page"`
	PerPage int         `json:"per_page"`
	Matches []matchInfo `json:"matches"`
}

func (s *MatchService) ListMatches(w http.ResponseWriter, r *http.Request) {
	filters, err := parseListFilters(r, "requested_at", "requested_at", "closed_at")
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	query := s.db.Model(&schema.Match{})

	q := r.URL.Query()
	if userId := q.Get("user_id"); userId != "" {
		id, err := uuid.Parse(userId)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid user_id '%v'", userId), http.StatusBadRequest)
			return
		}
		query = query.Where("user_id = ?", id)
	}
	if expertId := q.Get("expert_id"); expertId != "" {
		id, err := uuid.Parse(expertId)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid expert_id '%v'", expertId), http.StatusBadRequest)
			return
		}
		query = query.Where("expert_id = ?", id)
	}
	if status := q.Get("status"); status != "" {
		if status != schema.MatchInProgress && status != schema.MatchCompleted && status != schema.MatchCancelled {
			http.Error(w, fmt.Sprintf("invalid status '%v'", status), http.StatusBadRequest)
			return
		}
		query = query.Where("status = ?", status)
	}

	query = applyDateRange(query, filters.dateColumn, filters.start, filters.end)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		slog.Error("sql error counting matches", "error", err)
		http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	var matches []schema.Match
	err = paginate(query.Order("requested_at desc"), filters).
		Preload("User").Preload("Expert").Find(&matches).Error
	if err != nil {
		slog.Error("sql error listing matches", "error", err)
		http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	infos := make([]matchInfo, 0, len(matches))
	for _, match := range matches {
		info := matchInfo{
			Id:          match.Id,
			UserId:      match.UserId,
			ExpertId:    match.ExpertId,
			Status:      match.Status,
			RequestedAt: match.RequestedAt,
			ClosedAt:    match.ClosedAt,
		}
		if match.User != nil {
			info.Username = match.User.Username
		}
		if match.Expert != nil {
			info.ExpertName = match.Expert.Username
		}
		infos = append(infos, info)
	}

	utils.WriteJsonResponse(w, listMatchesResponse{
		Total:   total,
		Page:    filters.page,
		PerPage: filters.perPage,
		Matches: infos,
	})
}

type candidateInfo struct {
	Id        uuid.UUID `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// ListCandidates lists active plain users with no live match, the pool an
// admin picks from when creating matches.
func (s *MatchService) ListCandidates(w http.ResponseWriter, r *http.Request) {
	filters, err := parseListFilters(r, "created_at", "created_at")
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	query := s.db.Model(&schema.User{}).
		Where("role = ?", schema.RoleUser).
		Where("is_active = ? AND is_deleted = ?", true, false).
		Where("match_status = ?", schema.MatchUnassigned)

	if filters.search != "" {
		pattern := "%" + filters.search + "%"
		query = query.Where(
			s.db.Where("email LIKE ?", pattern).Or("username LIKE ?", pattern),
		)
	}

	query = applyDateRange(query, filters.dateColumn, filters.start, filters.end)

	var users []schema.User
	err = paginate(query.Order("created_at desc"), filters).Find(&users).Error
	if err != nil {
		slog.Error("sql error listing match candidates", "error", err)
		http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	infos := make([]candidateInfo, 0, len(users))
	for _, user := range users {
		infos = append(infos, candidateInfo{
			Id:        user.Id,
			Username:  user.Username,
			Email:     user.Email,
			CreatedAt: user.CreatedAt,
		})
	}

	utils.WriteJsonResponse(w, infos)
}

type matchLogInfo struct {
	Id        uuid.UUID  `json:"id"`
	AdminId   uuid.UUID  `json:"admin_id"`
	UserId    *uuid.UUID `json:"user_id,omitempty"`
	ExpertId  *uuid.UUID `json:"expert_id,omitempty"`
	MatchId   *uuid.UUID `json:"match_id,omitempty"`
	Status    string     `json:"status"`
	Title     string     `json:"title"`
	Summary   string     `json:"summary"`
	Timestamp time.Time  `json:"timestamp"`
}

func (s *MatchService) buildMatchLogsQuery(r *http.Request) (*gorm.DB, listFilters, error) {
	filters, err := parseListFilters(r, "timestamp", "timestamp")
	if err != nil {
		return nil, filters, err
	}

	query := s.db.Model(&schema.MatchLog{})

	if title := r.URL.Query().Get("title"); title != "" {
		query = query.Where("title = ?", title)
	}

	if filters.search != "" {
		pattern := "%" + filters.search + "%"
		query = query.Where(
			s.db.Where("summary LIKE ?", pattern).Or("title LIKE ?", pattern),
		)
	}

	query = applyDateRange(query, filters.dateColumn, filters.start, filters.end)

	return query, filters, nil
}

type listMatchLogsResponse struct {
	Total   int64          `json:"total"`
	Page    int            `json:"page"`
	PerPage int            `json:"per_page"`
	Logs    []matchLogInfo `json:"logs"`
}

func (s *MatchService) ListMatchLogs(w http.ResponseWriter, r *http.Request) {
	query, filters, err := s.buildMatchLogsQuery(r)
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		slog.Error("sql error counting match logs", "error", err)
		http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	var logs []schema.MatchLog
	err = paginate(query.Order("timestamp desc"), filters).Find(&logs).Error
	if err != nil {
		slog.Error("sql error listing match logs", "error", err)
		http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	infos := make([]matchLogInfo, 0, len(logs))
	for _, log := range logs {
		infos = append(infos, matchLogInfo{
			Id:        log.Id,
			AdminId:   log.AdminId,
			UserId:    log.UserId,
			ExpertId:  log.ExpertId,
			MatchId:   log.MatchId,
			Status:    log.Status,
			Title:     log.Title,
			Summary:   log.Summary,
			Timestamp: log.Timestamp,
		})
	}

	utils.WriteJsonResponse(w, listMatchLogsResponse{
		Total:   total,
		Page:    filters.page,
		PerPage: filters.perPage,
		Logs:    infos,
	})
}

func (s *MatchService) ExportMatchLogs(w http.ResponseWriter, r *http.Request) {
	query, _, err := s.buildMatchLogsQuery(r)
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	var logs []schema.MatchLog
	if err := query.Order("timestamp desc").Find(&logs).Error; err != nil {
		slog.Error("sql error exporting match logs", "error", err)
		http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="match_logs.csv"`)

	writer := csv.NewWriter(w)
	header := []string{"id", "admin_id", "user_id", "expert_id", "match_id", "status", "title", "summary", "timestamp"}
	if err := writer.Write(header); err != nil {
		slog.Error("error writing csv header", "error", err)
		return
	}

	optional := func(id *uuid.UUID) string {
		if id == nil {
			return ""
		}
		return id.String()
	}

	for _, log := range logs {
		row := []string{
			log.Id.String(),
			log.AdminId.String(),
			optional(log.UserId),
			optional(log.ExpertId),
			optional(log.MatchId),
			log.Status,
			log.Title,
			log.Summary,
			log.Timestamp.Format(time.RFC3339),
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
