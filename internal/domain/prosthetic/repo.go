package prosthetic

import (
	"context"
	"errors"
	"time"
)

// ErrCodeTaken is returned by CaseRepository.Create when the unique code
// constraint rejects the insert.
var ErrCodeTaken = errors.New("case code already taken")

type CaseRepository interface {
	CodeChecker
	// Create assigns ID, CreatedAt and UpdatedAt.
	Create(ctx context.Context, c *Case) error
	GetByID(ctx context.Context, clinicID string, id int64) (*Case, error)
	Update(ctx context.Context, c *Case) error
	// WithCaseLock runs fn in a transaction holding a row lock on the case.
	// Writes made through ctx inside fn commit or roll back together.
	WithCaseLock(ctx context.Context, clinicID string, id int64, fn func(ctx context.Context, c *Case) error) error
	List(ctx context.Context, clinicID string, f ListFilter, today Date, limit, offset int) ([]*Case, Stats, error)
	ListFinalized(ctx context.Context, clinicID string, f SummaryFilter) ([]*Case, error)
}

type HistoryRepository interface {
	Append(ctx context.Context, e *HistoryEntry) error
	ListByCase(ctx context.Context, caseID int64, order Order) ([]*HistoryEntry, error)
}

type MessageRepository interface {
	Create(ctx context.Context, m *Message) error
	ListByCase(ctx context.Context, caseID int64) ([]*Message, error)
	CountUnread(ctx context.Context, caseID int64, sender Role) (int, error)
	// MarkRead flags unread messages from sender and returns how many changed.
	MarkRead(ctx context.Context, caseID int64, sender Role, at time.Time) (int64, error)
}

// Transactor runs fn in one transaction; repositories called with the ctx
// handed to fn join it.
type Transactor interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}
