package services

import (
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

type UserService struct {
	db       *gorm.DB
	userAuth auth.IdentityProvider
}

func (s *UserService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/signup", s.Signup)
	r.Post("/login", s.Login)

	r.Group(func(r chi.Router) {
		r.Use(s.userAuth.AuthMiddleware()...)

		r.Get("/info", s.Info)
		r.Get("/list", s.ListUsers)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.userAuth.AuthMiddleware()...)
		r.Use(auth.AdminOnly(s.db))

		r.Post("/create", s.CreateUser)
		r.Post("/{user_id}/role", s.ChangeRole)
		r.Delete("/{user_id}", s.DeactivateUser)
	})

	return r
}

type signupRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signupResponse struct {
	UserId uuid.UUID `json:"user_id"`
}

// Signup registers a plain user account. Expert and admin accounts are only
// created by an admin through the create endpoint.
func (s *UserService) Signup(w http.ResponseWriter, r *http.Request) {
	if !s.userAuth.AllowDirectSignup() {
		http.Error(w, "direct signup is not supported", http.StatusNotImplemented)
		return
	}

	var params signupRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	if params.Username == "" || params.Email == "" || params.Password == "" {
		http.Error(w, "username, email, and password are required", http.StatusBadRequest)
		return
	}

	userId, err := s.userAuth.CreateUser(params.Username, params.Email, params.Password, schema.RoleUser)
	if err != nil {
		if errors.Is(err, auth.ErrEmailAlreadyInUse) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, fmt.Sprintf("error creating user: %v", err), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, signupResponse{UserId: userId})
}

type loginResponse struct {
	UserId      uuid.UUID `json:"user_id"`
	AccessToken string    `json:"access_token"`
}

func (s *UserService) Login(w http.ResponseWriter, r *http.Request) {
	email, password, ok := r.BasicAuth()
	if !ok {
		http.Error(w, "missing authorization header", http.StatusBadRequest)
		return
	}

	login, err := s.userAuth.LoginWithEmail(email, password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrUserNotFoundWithEmail), errors.Is(err, auth.ErrInvalidCredentials):
			http.Error(w, auth.ErrInvalidCredentials.Error(), http.StatusUnauthorized)
		case errors.Is(err, auth.ErrAccountDisabled):
			http.Error(w, err.Error(), http.StatusForbidden)
		default:
			http.Error(w, fmt.Sprintf("login failed: %v", err), http.StatusInternalServerError)
		}
		return
	}

	log := schema.UsageLog{
		Id:                 uuid.New(),
		UserId:             login.UserId,
		Endpoint:           r.URL.Path,
		UsageType:          schema.UsageLogin,
		LogStatus:          schema.LogStatusNormal,
		Timestamp:          time.Now().UTC(),
		RemoteAddr:         auth.ClientIp(r),
		ResponseStatusCode: http.StatusOK,
	}
	if result := s.db.Create(&log); result.Error != nil {
		// A failed audit row should not fail the login itself.
		slog.Error("sql error recording login usage log", "user_id", login.UserId, "error", result.Error)
	}

	utils.WriteJsonResponse(w, loginResponse{UserId: login.UserId, AccessToken: login.AccessToken})
}

type userInfo struct {
	Id          uuid.UUID `json:"id"`
	Username    string    `json:"username"`
	Email       string    `json:"email"`
	Role        string    `json:"role"`
	IsActive    bool      `json:"is_active"`
	MatchStatus string    `json:"match_status"`
	UsageCount  int       `json:"usage_count"`
	DailyLimit  int       `json:"daily_limit"`
	CreatedAt   time.Time `json:"created_at"`
}

func toUserInfo(user schema.User) userInfo {
	return userInfo{
		Id:          user.Id,
		Username:    user.Username,
		Email:       user.Email,
		Role:        user.Role,
		IsActive:    user.IsActive,
		MatchStatus: user.MatchStatus,
		UsageCount:  user.UsageCount,
		DailyLimit:  user.DailyLimit,
		CreatedAt:   user.CreatedAt,
	}
}

func (s *UserService) Info(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, toUserInfo(user))
}

// ListUsers applies the same visibility rule as the record listings: admins
// see everyone, experts see their matched users plus themselves, and plain
// users see only themselves.
func (s *UserService) ListUsers(w http.ResponseWriter, r *http.Request) {
	viewer, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	query := s.db.Model(&schema.User{}).Where("is_deleted = ?", false)
	query, err = scopeToViewer(query, s.db, viewer, "id")
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	var users []schema.User
	if err := query.Order("created_at desc").Find(&users).Error; err != nil {
		slog.Error("sql error listing users", "error", err)
		http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	infos := make([]userInfo, 0, len(users))
	for _, user := range users {
		infos = append(infos, toUserInfo(user))
	}

	utils.WriteJsonResponse(w, infos)
}

type createUserRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func (s *UserService) CreateUser(w http.ResponseWriter, r *http.Request) {
	var params createUserRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	if params.Username == "" || params.Email == "" || params.Password == "" {
		http.Error(w, "username, email, and password are required", http.StatusBadRequest)
		return
	}
	if !schema.ValidRole(params.Role) {
		http.Error(w, fmt.Sprintf("invalid role '%v'", params.Role), http.StatusUnprocessableEntity)
		return
	}

	userId, err := s.userAuth.CreateUser(params.Username, params.Email, params.Password, params.Role)
	if err != nil {
		if errors.Is(err, auth.ErrEmailAlreadyInUse) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, fmt.Sprintf("error creating user: %v", err), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, signupResponse{UserId: userId})
}

type changeRoleRequest struct {
	Role string `json:"role"`
}

func (s *UserService) ChangeRole(w http.ResponseWriter, r *http.Request) {
	userId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params changeRoleRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	if !schema.ValidRole(params.Role) {
		http.Error(w, fmt.Sprintf("invalid role '%v'", params.Role), http.StatusUnprocessableEntity)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		user, err := checkUserExists(txn, userId)
		if err != nil {
			return err
		}

		// A user with a live match keeps their role until the match is
		// closed, otherwise the expert scope would silently change meaning.
		if user.Role == schema.RoleUser && user.MatchStatus == schema.MatchInProgress && params.Role != schema.RoleUser {
			return CodedError(errors.New("cannot change role while user has an in progress match"), http.StatusConflict)
		}

		result := txn.Model(&schema.User{}).Where("id = ?", userId).Update("role", params.Role)
		if result.Error != nil {
			slog.Error("sql error changing user role", "user_id", userId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("error changing role for user %v: %v", userId, err), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}

// DeactivateUser soft deletes an account. The account can no longer log in
// and its records drop out of listings scoped to it, but ledger rows and
// usage logs it produced are kept.
func (s *UserService) DeactivateUser(w http.ResponseWriter, r *http.Request) {
	userId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	admin, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if admin.Id == userId {
		http.Error(w, "admins cannot deactivate their own account", http.StatusConflict)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		user, err := checkUserExists(txn, userId)
		if err != nil {
			return err
		}

		if user.MatchStatus == schema.MatchInProgress {
			return CodedError(errors.New("cannot deactivate a user with an in progress match, cancel the match first"), http.StatusConflict)
		}

		result := txn.Model(&schema.User{}).Where("id = ?", userId).
			Updates(map[string]interface{}{"is_deleted": true, "is_active": false})
		if result.Error != nil {
			slog.Error("sql error deactivating user", "user_id", userId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("error deactivating user %v: %v", userId, err), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}
