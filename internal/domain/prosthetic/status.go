package prosthetic

import (
	"strings"
	"time"

	"github.com/dental/backoffice/internal/platform/apperr"
)

type Status string

const (
	StatusCreated             Status = "created"
	StatusAwaitingSend        Status = "awaiting_send"
	StatusSentToLab           Status = "sent_to_lab"
	StatusInDesign            Status = "in_design"
	StatusInProduction        Status = "in_production"
	StatusInFinishing         Status = "in_finishing"
	StatusInTransit           Status = "in_transit"
	StatusReceivedClinic      Status = "received_clinic"
	StatusClinicalTrial       Status = "clinical_trial"
	StatusAdjustmentRequested Status = "adjustment_requested"
	StatusRework              Status = "rework"
	StatusFinalized           Status = "finalized"
	StatusCancelled           Status = "cancelled"
)

// AllStatuses lists every status in workflow order.
var AllStatuses = []Status{
	StatusCreated, StatusAwaitingSend, StatusSentToLab, StatusInDesign,
	StatusInProduction, StatusInFinishing, StatusInTransit, StatusReceivedClinic,
	StatusClinicalTrial, StatusAdjustmentRequested, StatusRework,
	StatusFinalized, StatusCancelled,
}

var knownStatuses = func() map[Status]bool {
	m := make(map[Status]bool, len(AllStatuses))
	for _, s := range AllStatuses {
		m[s] = true
	}
	return m
}()

func (s Status) Valid() bool { return knownStatuses[s] }

// IsTerminal reports whether s ends the case lifecycle.
func (s Status) IsTerminal() bool {
	return s == StatusFinalized || s == StatusCancelled
}

// ParseStatus rejects anything outside the known set.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.TrimSpace(raw))
	if !s.Valid() {
		return "", apperr.InvalidStatus("invalid status %q", raw)
	}
	return s, nil
}

// TransitionPolicy decides whether a case may move from one status to another.
type TransitionPolicy interface {
	Allowed(from, to Status) bool
}

// PermissivePolicy accepts every transition between known statuses,
// including same-state moves and leaving a terminal state.
type PermissivePolicy struct{}

func (PermissivePolicy) Allowed(from, to Status) bool {
	return from.Valid() && to.Valid()
}

// GraphPolicy accepts only the listed edges. Same-state moves are always
// accepted so that notes can be recorded without changing status.
type GraphPolicy struct {
	allowed map[Status]map[Status]bool
}

func NewGraphPolicy(edges map[Status][]Status) *GraphPolicy {
	g := &GraphPolicy{allowed: make(map[Status]map[Status]bool, len(edges))}
	for from, tos := range edges {
		set := make(map[Status]bool, len(tos))
		for _, to := range tos {
			set[to] = true
		}
		g.allowed[from] = set
	}
	return g
}

func (g *GraphPolicy) Allowed(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	return g.allowed[from][to]
}

// StrictPolicy allows any move between non-terminal statuses and into a
// terminal one, but never out of finalized or cancelled.
func StrictPolicy() *GraphPolicy {
	edges := make(map[Status][]Status, len(AllStatuses))
	for _, from := range AllStatuses {
		if from.IsTerminal() {
			continue
		}
		for _, to := range AllStatuses {
			if to != from {
				edges[from] = append(edges[from], to)
			}
		}
	}
	return NewGraphPolicy(edges)
}

// PolicyByName maps the TRANSITION_POLICY setting onto a policy.
func PolicyByName(name string) (TransitionPolicy, error) {
	switch name {
	case "", "permissive":
		return PermissivePolicy{}, nil
	case "strict":
		return StrictPolicy(), nil
	}
	return nil, apperr.Validation("unknown transition policy %q", name)
}

// applyStatus sets the status and its side effects. Entering finalized
// stamps finalizedAt every time and fills the return date only once;
// leaving finalized clears finalizedAt.
func applyStatus(c *Case, to Status, now time.Time, loc *time.Location) {
	c.Status = to
	if to == StatusFinalized {
		if c.DateActualReturn == nil {
			today := DateOf(now, loc)
			c.DateActualReturn = &today
		}
		c.FinalizedAt = &now
		return
	}
	c.FinalizedAt = nil
}
