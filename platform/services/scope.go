package services

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"iris_platform/platform/auth"
	"iris_platform/platform/schema"

	"gorm.io/gorm"
)

// scopeToViewer builds the visibility predicate shared by every listing and
// export over prediction results and usage logs. It is the security boundary
// between roles, so both code paths must go through here.
//   - admin: sees all live rows
//   - expert: rows of users matched to them through an in_progress match,
//     plus their own rows
//   - user: their own rows only
func scopeToViewer(query *gorm.DB, db *gorm.DB, viewer schema.User, ownerColumn string) (*gorm.DB, error) {
	switch {
	case viewer.IsAdmin():
		return query, nil

	case viewer.IsExpert():
		matchedIds, err := auth.InProgressMatchedUserIds(viewer.Id, db)
		if err != nil {
			return nil, CodedError(err, http.StatusInternalServerError)
		}
		return query.Where(
			db.Where(fmt.Sprintf("%v IN ?", ownerColumn), matchedIds).
				Or(fmt.Sprintf("%v = ?", ownerColumn), viewer.Id),
		), nil

	default:
		return query.Where(fmt.Sprintf("%v = ?", ownerColumn), viewer.Id), nil
	}
}

const defaultPerPage = 10

type listFilters struct {
	search     string
	confirm    string
	dateColumn string
	start      *time.Time
	end        *time.Time

	page    int
	perPage int
}

const dateLayout = "2006-01-02"

// parseListFilters reads the common filter query params. Date bounds are
// whole days, the end date is inclusive.
func parseListFilters(r *http.Request, defaultDateColumn string, allowedDateColumns ...string) (listFilters, error) {
	q := r.URL.Query()

	filters := listFilters{
		search:     q.Get("search"),
		confirm:    q.Get("confirm"),
		dateColumn: defaultDateColumn,
		page:       1,
		perPage:    defaultPerPage,
	}

	if filters.confirm != "" && filters.confirm != "true" && filters.confirm != "false" {
		return filters, CodedError(fmt.Errorf("invalid confirm filter '%v', must be 'true' or 'false'", filters.confirm), http.StatusBadRequest)
	}

	if col := q.Get("date_filter_type"); col != "" {
		valid := false
		for _, allowed := range allowedDateColumns {
			if col == allowed {
				valid = true
			}
		}
		if !valid {
			return filters, CodedError(fmt.Errorf("invalid date_filter_type '%v'", col), http.StatusBadRequest)
		}
		filters.dateColumn = col
	}

	if start := q.Get("start_date"); start != "" {
		t, err := time.Parse(dateLayout, start)
		if err != nil {
			return filters, CodedError(fmt.Errorf("invalid start_date '%v'", start), http.StatusBadRequest)
		}
		filters.start = &t
	}

	if end := q.Get("end_date"); end != "" {
		t, err := time.Parse(dateLayout, end)
		if err != nil {
			return filters, CodedError(fmt.Errorf("invalid end_date '%v'", end), http.StatusBadRequest)
		}
		filters.end = &t
	}

	if filters.start != nil && filters.end != nil && filters.start.After(*filters.end) {
		return filters, CodedError(errors.New("start_date must not be after end_date"), http.StatusBadRequest)
	}

	if page := q.Get("page"); page != "" {
		p, err := strconv.Atoi(page)
		if err != nil || p < 1 {
			return filters, CodedError(fmt.Errorf("invalid page '%v'", page), http.StatusBadRequest)
		}
		filters.page = p
	}

	if perPage := q.Get("per_page"); perPage != "" {
		p, err := strconv.Atoi(perPage)
		if err != nil || p < 1 || p > 1000 {
			return filters, CodedError(fmt.Errorf("invalid per_page '%v'", perPage), http.StatusBadRequest)
		}
		filters.perPage = p
	}

	return filters, nil
}

// applyDateRange bounds the given timestamp column to [start, end+1day). The
// exclusive upper bound keeps the end date inclusive regardless of the time
// component stored on the row.
func applyDateRange(query *gorm.DB, column string, start, end *time.Time) *gorm.DB {
	if start != nil {
		query = query.Where(fmt.Sprintf("%v >= ?", column), *start)
	}
	if end != nil {
		query = query.Where(fmt.Sprintf("%v < ?", column), end.AddDate(0, 0, 1))
	}
	return query
}

func paginate(query *gorm.DB, filters listFilters) *gorm.DB {
	return query.Offset((filters.page - 1) * filters.perPage).Limit(filters.perPage)
}
