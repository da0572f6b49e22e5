package versions

import (
	"iris_platform/platform/schema"

	"gorm.io/gorm"
)

// Migration_1_match_status_backfill recomputes the match_status mirror column
// on users from the live match rows. Needed for databases created before the
// mirror column existed.
func Migration_1_match_status_backfill(txn *gorm.DB) error {
	type User struct {
		MatchStatus string `gorm:"size:20;not null;default:'unassigned'"`
	}

	if !txn.Migrator().HasColumn(&schema.User{}, "match_status") {
		if err := txn.Migrator().AddColumn(&User{}, "MatchStatus"); err != nil {
			return err
		}
	}

	err := txn.Model(&schema.User{}).Where("1 = 1").
		Update("match_status", schema.MatchUnassigned).Error
	if err != nil {
		return err
	}

	return txn.Model(&schema.User{}).
		Where("id IN (?)", txn.Model(&schema.Match{}).Select("user_id").Where("status = ?", schema.MatchInProgress)).
		Update("match_status", schema.MatchInProgress).Error
}
