package schema

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	RoleUser   = "user"
	RoleExpert = "expert"
	RoleAdmin  = "admin"
)

func ValidRole(role string) bool {
	return role == RoleUser || role == RoleExpert || role == RoleAdmin
}

// Match statuses. Unassigned is the absence of a live match row and only
// appears in the User.MatchStatus mirror column.
const (
	MatchUnassigned = "unassigned"
	MatchInProgress = "in_progress"
	MatchCompleted  = "completed"
	MatchCancelled  = "cancelled"
)

const (
	UsageWeb    = "web_ui"
	UsageApiKey = "api_key"
	UsageLogin  = "login"
)

// Usage log status tags. The values are kept verbatim from the operator's
// reporting conventions, so they are not translated.
const (
	LogStatusNormal    = "정상"
	LogStatusDuplicate = "중복"
	LogStatusConfirm   = "추론확인"
	LogStatusEdit      = "추론수정"
	LogStatusDelete    = "삭제"
)

const (
	MatchLogCreate   = "매칭생성"
	MatchLogReassign = "전문가변경"
	MatchLogCancel   = "매칭취소"
	MatchLogComplete = "매칭완료"
)

type User struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Username string `gorm:"size:50;not null;index"`
	Email    string `gorm:"size:254;not null;index"`
	Password []byte

	Role string `gorm:"size:20;not null;default:'user'"`

	IsActive  bool `gorm:"not null;default:true"`
	IsDeleted bool `gorm:"not null;default:false"`

	// Mirror of the user's active match, kept consistent with the Match rows.
	MatchStatus string `gorm:"size:20;not null;default:'unassigned'"`

	UsageCount int `gorm:"not null;default:0"`
	DailyLimit int `gorm:"not null;default:1000"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

func (u *User) IsExpert() bool {
	return u.Role == RoleExpert
}

type APIKey struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	HashKey string `gorm:"column:hashkey;unique;size:500;not null;index"`
	Name    string `gorm:"size:100;not null"`

	UserId uuid.UUID `gorm:"type:uuid;not null;index"`
	User   *User     `gorm:"constraint:OnDelete:CASCADE"`

	IsActive bool `gorm:"not null;default:true"`

	UsageCount int `gorm:"not null;default:0"`
	DailyLimit int `gorm:"not null;default:1000"`

	GeneratedTime time.Time
	LastUsed      time.Time
}

type Service struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Name        string `gorm:"unique;size:100;not null"`
	Description string
	Labels      string `gorm:"size:200;not null"`
	IsActive    bool   `gorm:"not null;default:true"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// LabelSet returns the allowed confirmation labels for the service.
func (s *Service) LabelSet() []string {
	if s.Labels == "" {
		return nil
	}
	return strings.Split(s.Labels, ",")
}

func (s *Service) AllowsLabel(label string) bool {
	for _, l := range s.LabelSet() {
		if l == label {
			return true
		}
	}
	return false
}

// PredictionResult is the base ledger record. Service specific payloads are
// stored in companion tables keyed by the result id (IrisFeatures for the
// iris service), so queries stay uniform across future service types.
type PredictionResult struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	UserId uuid.UUID `gorm:"type:uuid;not null;index"`
	User   *User

	ServiceId uuid.UUID `gorm:"type:uuid;not null"`
	Service   *Service

	ApiKeyId *uuid.UUID `gorm:"type:uuid;index"`
	ApiKey   *APIKey

	PredictedLabel string `gorm:"size:50;not null"`
	ModelVersion   string `gorm:"size:20;not null;default:'1.0'"`

	ConfirmedLabel string `gorm:"size:50"`
	Confirm        bool   `gorm:"not null;default:false"`

	IsDeleted bool `gorm:"not null;default:false"`

	CreatedAt   time.Time `gorm:"index"`
	ConfirmedAt *time.Time

	Iris *IrisFeatures `gorm:"foreignKey:ResultId;constraint:OnDelete:CASCADE"`
}

type IrisFeatures struct {
	ResultId uuid.UUID `gorm:"type:uuid;primaryKey"`

	SepalLength float64 `gorm:"not null"`
	SepalWidth  float64 `gorm:"not null"`
	PetalLength float64 `gorm:"not null"`
	PetalWidth  float64 `gorm:"not null"`
}

// UsageLog rows are append only: they are never mutated or deleted, and one
// prediction accumulates a row per lifecycle event (create, confirm, edit,
// delete).
type UsageLog struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	UserId uuid.UUID `gorm:"type:uuid;not null;index"`
	User   *User

	ServiceId *uuid.UUID `gorm:"type:uuid"`
	ApiKeyId  *uuid.UUID `gorm:"type:uuid;index"`

	ResultId *uuid.UUID        `gorm:"type:uuid;index"`
	Result   *PredictionResult `gorm:"foreignKey:ResultId"`

	Endpoint  string `gorm:"size:120;not null"`
	UsageType string `gorm:"size:20;not null"`
	LogStatus string `gorm:"size:20;not null;default:'정상'"`

	InferenceTimestamp *time.Time
	Timestamp          time.Time `gorm:"index"`

	RemoteAddr         string `gorm:"size:45"`
	ResponseStatusCode int
	RequestSummary     string
}

type Match struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	UserId uuid.UUID `gorm:"type:uuid;not null;index"`
	User   *User

	ExpertId uuid.UUID `gorm:"type:uuid;not null;index"`
	Expert   *User     `gorm:"foreignKey:ExpertId"`

	Status string `gorm:"size:20;not null"`

	RequestedAt time.Time `gorm:"index"`
	ClosedAt    *time.Time
}

type MatchLog struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	AdminId uuid.UUID `gorm:"type:uuid;not null;index"`
	Admin   *User     `gorm:"foreignKey:AdminId"`

	UserId   *uuid.UUID `gorm:"type:uuid;index"`
	ExpertId *uuid.UUID `gorm:"type:uuid;index"`
	MatchId  *uuid.UUID `gorm:"type:uuid;index"`

	Status  string `gorm:"size:20;not null"`
	Title   string `gorm:"size:50;not null"`
	Summary string

	Timestamp time.Time `gorm:"index"`
}
