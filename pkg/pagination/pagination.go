package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext extracts limit and offset from the query string. Missing or
// malformed values fall back to defaultLimit (or DefaultLimit when it is not
// positive) and offset 0.
func FromContext(c echo.Context, defaultLimit int) Params {
	return Normalize(atoi(c.QueryParam("limit")), atoi(c.QueryParam("offset")), defaultLimit)
}

// Normalize clamps raw values into a valid page.
func Normalize(limit, offset, defaultLimit int) Params {
	if defaultLimit <= 0 {
		defaultLimit = DefaultLimit
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return Params{Limit: limit, Offset: offset}
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// Page describes the returned slice of a filtered result set.
type Page struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	Total   int  `json:"total"`
	HasMore bool `json:"hasMore"`
}

// NewPage reports hasMore from the number of rows actually returned, so the
// final page is false even when it is shorter than limit.
func NewPage(p Params, returned, total int) Page {
	return Page{
		Limit:   p.Limit,
		Offset:  p.Offset,
		Total:   total,
		HasMore: p.Offset+returned < total,
	}
}
