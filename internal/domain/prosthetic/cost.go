package prosthetic

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dental/backoffice/internal/platform/apperr"
)

// SummaryFilter bounds the finalized cases that are costed. Dates are
// inclusive and compared against finalizedAt in the clinic timezone.
type SummaryFilter struct {
	DateFrom       *Date
	DateTo         *Date
	LabID          *int64
	ProfessionalID *int64
}

func (f SummaryFilter) Validate() error {
	if f.DateFrom != nil && f.DateTo != nil && f.DateFrom.After(*f.DateTo) {
		return apperr.Validation("dateFrom must not be after dateTo")
	}
	return nil
}

// Bucket is the cost total of one lab or professional.
type Bucket struct {
	Total decimal.Decimal `json:"total"`
	Count int             `json:"count"`
}

type Summary struct {
	Total          decimal.Decimal    `json:"total"`
	Count          int                `json:"count"`
	ByLab          map[string]*Bucket `json:"byLab"`
	ByProfessional map[string]*Bucket `json:"byProfessional"`
}

// Includes reports whether c falls inside the filter.
func (f SummaryFilter) Includes(c *Case, loc *time.Location) bool {
	if c.Status != StatusFinalized || c.FinalizedAt == nil {
		return false
	}
	if f.LabID != nil && (c.LabID == nil || *c.LabID != *f.LabID) {
		return false
	}
	if f.ProfessionalID != nil && (c.ProfessionalID == nil || *c.ProfessionalID != *f.ProfessionalID) {
		return false
	}
	day := DateOf(*c.FinalizedAt, loc)
	if f.DateFrom != nil && day.Before(*f.DateFrom) {
		return false
	}
	if f.DateTo != nil && day.After(*f.DateTo) {
		return false
	}
	return true
}

// Summarize totals costValue over the finalized cases matching f. A missing
// cost counts as zero; cases without a lab or professional are left out of
// the corresponding breakdown but still count towards the total.
func Summarize(cases []*Case, f SummaryFilter, loc *time.Location) Summary {
	s := Summary{
		Total:          decimal.Zero,
		ByLab:          map[string]*Bucket{},
		ByProfessional: map[string]*Bucket{},
	}
	for _, c := range cases {
		if !f.Includes(c, loc) {
			continue
		}
		cost := decimal.Zero
		if c.CostValue != nil {
			cost = *c.CostValue
		}
		s.Total = s.Total.Add(cost)
		s.Count++

		if c.LabID != nil {
			addTo(s.ByLab, displayName(c.LabName, "Lab", *c.LabID), cost)
		}
		if c.ProfessionalID != nil {
			addTo(s.ByProfessional, displayName(c.ProfessionalName, "Professional", *c.ProfessionalID), cost)
		}
	}
	return s
}

func addTo(m map[string]*Bucket, name string, cost decimal.Decimal) {
	b, ok := m[name]
	if !ok {
		b = &Bucket{Total: decimal.Zero}
		m[name] = b
	}
	b.Total = b.Total.Add(cost)
	b.Count++
}

// displayName keeps cases whose directory row is gone in a stable bucket.
func displayName(name, kind string, id int64) string {
	if name != "" {
		return name
	}
	return fmt.Sprintf("%s #%d", kind, id)
}

// SortedNames returns the bucket keys in alphabetical order.
func SortedNames(m map[string]*Bucket) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
