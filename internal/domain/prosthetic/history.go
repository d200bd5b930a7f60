package prosthetic

import (
	"time"

	"github.com/dental/backoffice/internal/platform/apperr"
)

// HistoryEntry records one status write. PreviousStatus is nil only for the
// entry written when the case is created.
type HistoryEntry struct {
	ID             int64     `json:"id"`
	CaseID         int64     `json:"caseId"`
	PreviousStatus *Status   `json:"previousStatus"`
	NewStatus      Status    `json:"newStatus"`
	ActorName      string    `json:"actorName"`
	ActorRole      Role      `json:"actorRole"`
	Note           *string   `json:"note,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

type Order string

const (
	Ascending  Order = "asc"
	Descending Order = "desc"
)

// ParseOrder defaults to ascending, the timeline order.
func ParseOrder(raw string) (Order, error) {
	switch Order(raw) {
	case "", Ascending:
		return Ascending, nil
	case Descending:
		return Descending, nil
	}
	return "", apperr.Validation("order must be asc or desc")
}
