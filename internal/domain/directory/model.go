// Package directory resolves the patients, professionals and labs that
// prosthetic cases reference. The tables are owned by other subsystems and
// are only read here.
package directory

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("directory entry not found")

type Kind string

const (
	KindPatient      Kind = "patient"
	KindProfessional Kind = "professional"
	KindLab          Kind = "lab"
)

// Entry is the read-only projection the case engine needs.
type Entry struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	Contact     string   `json:"contact,omitempty"`
	Specialties []string `json:"specialties,omitempty"`
}

// Lookup returns ErrNotFound when the entry is absent or belongs to another
// clinic.
type Lookup interface {
	Patient(ctx context.Context, clinicID string, id int64) (*Entry, error)
	Professional(ctx context.Context, clinicID string, id int64) (*Entry, error)
	Lab(ctx context.Context, clinicID string, id int64) (*Entry, error)
}

// Get dispatches on kind.
func Get(ctx context.Context, l Lookup, kind Kind, clinicID string, id int64) (*Entry, error) {
	switch kind {
	case KindPatient:
		return l.Patient(ctx, clinicID, id)
	case KindProfessional:
		return l.Professional(ctx, clinicID, id)
	case KindLab:
		return l.Lab(ctx, clinicID, id)
	}
	return nil, ErrNotFound
}
