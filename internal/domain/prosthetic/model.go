package prosthetic

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Urgency string

const (
	UrgencyNormal    Urgency = "normal"
	UrgencyUrgent    Urgency = "urgent"
	UrgencyEmergency Urgency = "emergency"
)

func (u Urgency) Valid() bool {
	return u == UrgencyNormal || u == UrgencyUrgent || u == UrgencyEmergency
}

type PieceKind string

const (
	PieceTemporary  PieceKind = "temporary"
	PieceDefinitive PieceKind = "definitive"
)

func (k PieceKind) Valid() bool {
	return k == PieceTemporary || k == PieceDefinitive
}

// Role identifies which side of the clinic/lab collaboration acted.
type Role string

const (
	RoleClinician Role = "clinician"
	RoleLab       Role = "lab"
)

// Other returns the opposite side of the collaboration.
func (r Role) Other() Role {
	if r == RoleLab {
		return RoleClinician
	}
	return RoleLab
}

// Date is a calendar day, serialized as YYYY-MM-DD. The zero time of day is
// kept in UTC so dates compare independently of any zone.
type Date struct {
	time.Time
}

const dateLayout = "2006-01-02"

func NewDate(year int, month time.Month, day int) Date {
	return Date{time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf returns the calendar day of t in loc.
func DateOf(t time.Time, loc *time.Location) Date {
	y, m, d := t.In(loc).Date()
	return NewDate(y, m, d)
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", s)
	}
	return Date{t}, nil
}

func (d Date) String() string { return d.Format(dateLayout) }

func (d Date) Before(o Date) bool { return d.Time.Before(o.Time) }

func (d Date) After(o Date) bool { return d.Time.After(o.Time) }

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("date must be a string: %w", err)
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Case is one unit of outsourced prosthetic work.
type Case struct {
	ID             int64      `json:"id"`
	Code           string     `json:"code"`
	ClinicID       string     `json:"clinicId"`
	PatientID      int64      `json:"patientId"`
	LabID          *int64     `json:"labId,omitempty"`
	ProfessionalID *int64     `json:"professionalId,omitempty"`
	GroupID        *uuid.UUID `json:"groupId,omitempty"`

	WorkType       string     `json:"workType"`
	WorkTypeDetail *string    `json:"workTypeDetail,omitempty"`
	PieceKind      *PieceKind `json:"pieceKind,omitempty"`
	Teeth          []string   `json:"teeth"`
	Material       *string    `json:"material,omitempty"`
	MaterialDetail *string    `json:"materialDetail,omitempty"`
	Technique      *string    `json:"technique,omitempty"`
	ShadeCode      *string    `json:"shadeCode,omitempty"`
	ShadeScale     *string    `json:"shadeScale,omitempty"`
	Urgency        Urgency    `json:"urgency"`

	DateSent         *Date `json:"dateSent,omitempty"`
	DatePromised     *Date `json:"datePromised,omitempty"`
	DateActualReturn *Date `json:"dateActualReturn,omitempty"`

	Status      Status     `json:"status"`
	FinalizedAt *time.Time `json:"finalizedAt,omitempty"`

	AgreedValue *decimal.Decimal `json:"agreedValue,omitempty"`
	CostValue   *decimal.Decimal `json:"costValue,omitempty"`

	ClinicalNotes  *string `json:"clinicalNotes,omitempty"`
	TechnicalNotes *string `json:"technicalNotes,omitempty"`
	AttachmentsRef *string `json:"attachmentsRef,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Joined from the directory on reads.
	PatientName      string `json:"patientName,omitempty"`
	LabName          string `json:"labName,omitempty"`
	ProfessionalName string `json:"professionalName,omitempty"`
}

// CreateInput carries the fields accepted when a case is opened.
type CreateInput struct {
	PatientID      int64      `json:"patientId" validate:"required,gt=0"`
	LabID          *int64     `json:"labId" validate:"omitempty,gt=0"`
	ProfessionalID *int64     `json:"professionalId" validate:"omitempty,gt=0"`
	GroupID        *uuid.UUID `json:"groupId"`

	WorkType       string     `json:"workType" validate:"required,max=120"`
	WorkTypeDetail *string    `json:"workTypeDetail" validate:"omitempty,max=500"`
	PieceKind      *PieceKind `json:"pieceKind" validate:"omitempty,piece_kind"`
	Teeth          []string   `json:"teeth" validate:"omitempty,max=32,dive,fdi_tooth"`
	Material       *string    `json:"material" validate:"omitempty,max=120"`
	MaterialDetail *string    `json:"materialDetail" validate:"omitempty,max=500"`
	Technique      *string    `json:"technique" validate:"omitempty,max=120"`
	ShadeCode      *string    `json:"shadeCode" validate:"omitempty,max=20"`
	ShadeScale     *string    `json:"shadeScale" validate:"omitempty,max=60"`
	Urgency        Urgency    `json:"urgency" validate:"urgency"`

	DateSent     *Date `json:"dateSent"`
	DatePromised *Date `json:"datePromised"`

	AgreedValue *decimal.Decimal `json:"agreedValue"`
	CostValue   *decimal.Decimal `json:"costValue"`

	ClinicalNotes  *string `json:"clinicalNotes" validate:"omitempty,max=5000"`
	TechnicalNotes *string `json:"technicalNotes" validate:"omitempty,max=5000"`
	AttachmentsRef *string `json:"attachmentsRef" validate:"omitempty,max=1000"`
}

// Created is the result of opening a case.
type Created struct {
	ID      int64      `json:"id"`
	Code    string     `json:"code"`
	GroupID *uuid.UUID `json:"groupId"`
}

// UpdateInput is a partial field edit. Nil fields are left unchanged. Status
// is accepted only to reject it: status changes go through transitions.
type UpdateInput struct {
	Status *string `json:"status,omitempty"`

	LabID          *int64     `json:"labId" validate:"omitempty,gt=0"`
	ProfessionalID *int64     `json:"professionalId" validate:"omitempty,gt=0"`
	WorkType       *string    `json:"workType" validate:"omitempty,min=1,max=120"`
	WorkTypeDetail *string    `json:"workTypeDetail" validate:"omitempty,max=500"`
	PieceKind      *PieceKind `json:"pieceKind" validate:"omitempty,piece_kind"`
	Teeth          []string   `json:"teeth" validate:"omitempty,max=32,dive,fdi_tooth"`
	Material       *string    `json:"material" validate:"omitempty,max=120"`
	MaterialDetail *string    `json:"materialDetail" validate:"omitempty,max=500"`
	Technique      *string    `json:"technique" validate:"omitempty,max=120"`
	ShadeCode      *string    `json:"shadeCode" validate:"omitempty,max=20"`
	ShadeScale     *string    `json:"shadeScale" validate:"omitempty,max=60"`
	Urgency        *Urgency   `json:"urgency" validate:"omitempty,urgency"`

	DateSent     *Date `json:"dateSent"`
	DatePromised *Date `json:"datePromised"`

	AgreedValue *decimal.Decimal `json:"agreedValue"`

	ClinicalNotes  *string `json:"clinicalNotes" validate:"omitempty,max=5000"`
	TechnicalNotes *string `json:"technicalNotes" validate:"omitempty,max=5000"`
	AttachmentsRef *string `json:"attachmentsRef" validate:"omitempty,max=1000"`
}

// clinicianOnly reports whether the patch touches fields a lab may not edit.
func (in *UpdateInput) clinicianOnly() bool {
	return in.LabID != nil || in.ProfessionalID != nil || in.WorkType != nil ||
		in.WorkTypeDetail != nil || in.PieceKind != nil || in.Teeth != nil ||
		in.Urgency != nil || in.AgreedValue != nil || in.ClinicalNotes != nil
}

func (in *UpdateInput) apply(c *Case) {
	if in.LabID != nil {
		c.LabID = in.LabID
	}
	if in.ProfessionalID != nil {
		c.ProfessionalID = in.ProfessionalID
	}
	if in.WorkType != nil {
		c.WorkType = *in.WorkType
	}
	if in.WorkTypeDetail != nil {
		c.WorkTypeDetail = in.WorkTypeDetail
	}
	if in.PieceKind != nil {
		c.PieceKind = in.PieceKind
	}
	if in.Teeth != nil {
		c.Teeth = in.Teeth
	}
	if in.Material != nil {
		c.Material = in.Material
	}
	if in.MaterialDetail != nil {
		c.MaterialDetail = in.MaterialDetail
	}
	if in.Technique != nil {
		c.Technique = in.Technique
	}
	if in.ShadeCode != nil {
		c.ShadeCode = in.ShadeCode
	}
	if in.ShadeScale != nil {
		c.ShadeScale = in.ShadeScale
	}
	if in.Urgency != nil {
		c.Urgency = *in.Urgency
	}
	if in.DateSent != nil {
		c.DateSent = in.DateSent
	}
	if in.DatePromised != nil {
		c.DatePromised = in.DatePromised
	}
	if in.AgreedValue != nil {
		c.AgreedValue = in.AgreedValue
	}
	if in.ClinicalNotes != nil {
		c.ClinicalNotes = in.ClinicalNotes
	}
	if in.TechnicalNotes != nil {
		c.TechnicalNotes = in.TechnicalNotes
	}
	if in.AttachmentsRef != nil {
		c.AttachmentsRef = in.AttachmentsRef
	}
}

// TransitionInput is the body of a status change.
type TransitionInput struct {
	Status    string           `json:"status"`
	Note      *string          `json:"note" validate:"omitempty,max=2000"`
	CostValue *decimal.Decimal `json:"costValue"`
}

// ListFilter narrows a case listing. Nil fields do not filter.
type ListFilter struct {
	Status         *Status
	LabID          *int64
	PatientID      *int64
	ProfessionalID *int64
	Urgency        *Urgency
}

// Stats are computed over the whole filtered set, not the returned page.
type Stats struct {
	Total      int `json:"total"`
	InProgress int `json:"inProgress"`
	Finalized  int `json:"finalized"`
	Overdue    int `json:"overdue"`
	Urgent     int `json:"urgent"`
}
