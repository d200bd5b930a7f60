package directory

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dental/backoffice/internal/platform/db"
)

type queryable interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Lookup {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func scanEntry(row pgx.Row, withSpecialties bool) (*Entry, error) {
	var e Entry
	var err error
	if withSpecialties {
		err = row.Scan(&e.ID, &e.Name, &e.Contact, &e.Specialties)
	} else {
		err = row.Scan(&e.ID, &e.Name, &e.Contact)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *repoPG) Patient(ctx context.Context, clinicID string, id int64) (*Entry, error) {
	return scanEntry(r.conn(ctx).QueryRow(ctx, `
		SELECT id, name, COALESCE(phone, email, '')
		FROM patients WHERE id = $1 AND clinic_id = $2`, id, clinicID), false)
}

func (r *repoPG) Professional(ctx context.Context, clinicID string, id int64) (*Entry, error) {
	return scanEntry(r.conn(ctx).QueryRow(ctx, `
		SELECT id, name, COALESCE(email, '')
		FROM professionals WHERE id = $1 AND clinic_id = $2`, id, clinicID), false)
}

func (r *repoPG) Lab(ctx context.Context, clinicID string, id int64) (*Entry, error) {
	return scanEntry(r.conn(ctx).QueryRow(ctx, `
		SELECT id, name, COALESCE(contact_name, phone, email, ''), specialties
		FROM labs WHERE id = $1 AND clinic_id = $2`, id, clinicID), true)
}
