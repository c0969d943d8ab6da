package api

import (
	"fmt"
	"net/url"
	"strconv"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 200
)

// PaginationMeta accompanies every ledger page.
type PaginationMeta struct {
	TotalCount int  `json:"total_count"`
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	HasMore    bool `json:"has_more"`
}

// pageQuery is the window requested from GET /audit, counted from the
// newest entry.
type pageQuery struct {
	Limit  int
	Offset int
}

// parsePageQuery reads limit and offset. Absent values take the defaults,
// a limit above maxPageLimit is clamped, and anything that is not a
// non-negative integer (or a zero limit) is rejected.
func parsePageQuery(q url.Values) (pageQuery, error) {
	p := pageQuery{Limit: defaultPageLimit}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return pageQuery{}, fmt.Errorf("limit must be a positive integer, got %q", raw)
		}
		p.Limit = min(n, maxPageLimit)
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return pageQuery{}, fmt.Errorf("offset must be a non-negative integer, got %q", raw)
		}
		p.Offset = n
	}
	return p, nil
}

// meta reports where a page of returned entries sits among total.
func (p pageQuery) meta(total, returned int) PaginationMeta {
	return PaginationMeta{
		TotalCount: total,
		Limit:      p.Limit,
		Offset:     p.Offset,
		HasMore:    p.Offset+returned < total,
	}
}
