// Package pagination extracts and validates page/limit parameters from URL
// query strings and computes the corresponding database offset.
package pagination

import (
	"net/url"
	"strconv"
)

// Params holds validated pagination parameters for a list request.
type Params struct {
	Page   int32
	Limit  int32
	Offset int32
}

const (
	// MaxLimit caps the number of items per page.
	MaxLimit int32 = 100
	// DefaultPage is used when the request names no page.
	DefaultPage int32 = 1
	// DefaultLimit is used when the request names no limit.
	DefaultLimit int32 = 20
)

func calculateOffset(page, limit int32) int32 {
	if page < 1 {
		page = 1
	}
	return (page - 1) * limit
}

// FromQuery extracts pagination parameters from query values, enforcing
// MaxLimit and computing the offset.
func FromQuery(q url.Values) Params {
	params := Params{
		Page:  DefaultPage,
		Limit: DefaultLimit,
	}

	if pageStr := q.Get("page"); pageStr != "" {
		if val, err := strconv.ParseInt(pageStr, 10, 32); err == nil && val > 0 {
			params.Page = int32(val)
		}
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		if val, err := strconv.ParseInt(limitStr, 10, 32); err == nil && val > 0 {
			params.Limit = int32(val)
		}
	}

	if params.Limit > MaxLimit {
		params.Limit = MaxLimit
	}

	params.Offset = calculateOffset(params.Page, params.Limit)
	return params
}

// HasNext reports whether more items exist past the current page.
func HasNext(offset, limit, count int32) bool {
	return (offset + limit) < count
}
