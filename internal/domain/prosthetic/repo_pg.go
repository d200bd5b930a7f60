package prosthetic

import (
	"context"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/dental/backoffice/internal/platform/apperr"
	"github.com/dental/backoffice/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const codeConstraint = "prosthetic_cases_code_key"

// =========== Transactor ===========

type pgTransactor struct{ pool *pgxpool.Pool }

func NewTransactor(pool *pgxpool.Pool) Transactor {
	return &pgTransactor{pool: pool}
}

func (t *pgTransactor) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.RunInTx(ctx, t.pool, fn)
}

// =========== Case Repository ===========

type caseRepoPG struct{ pool *pgxpool.Pool }

func NewCaseRepoPG(pool *pgxpool.Pool) CaseRepository {
	return &caseRepoPG{pool: pool}
}

func (r *caseRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

var caseCols = []string{
	"c.id", "c.code", "c.clinic_id", "c.patient_id", "c.lab_id", "c.professional_id", "c.group_id",
	"c.work_type", "c.work_type_detail", "c.piece_kind", "c.teeth", "c.material", "c.material_detail",
	"c.technique", "c.shade_code", "c.shade_scale", "c.urgency",
	"c.date_sent", "c.date_promised", "c.date_actual_return",
	"c.status", "c.finalized_at", "c.agreed_value", "c.cost_value",
	"c.clinical_notes", "c.technical_notes", "c.attachments_ref", "c.created_at", "c.updated_at",
	"COALESCE(p.name, '')", "COALESCE(l.name, '')", "COALESCE(pr.name, '')",
}

func selectCases() sq.SelectBuilder {
	return psql.Select(caseCols...).
		From("prosthetic_cases c").
		LeftJoin("patients p ON p.id = c.patient_id").
		LeftJoin("labs l ON l.id = c.lab_id").
		LeftJoin("professionals pr ON pr.id = c.professional_id")
}

func scanCase(row pgx.Row) (*Case, error) {
	var c Case
	var dateSent, datePromised, dateReturn *time.Time
	var agreed, cost decimal.NullDecimal
	err := row.Scan(&c.ID, &c.Code, &c.ClinicID, &c.PatientID, &c.LabID, &c.ProfessionalID, &c.GroupID,
		&c.WorkType, &c.WorkTypeDetail, &c.PieceKind, &c.Teeth, &c.Material, &c.MaterialDetail,
		&c.Technique, &c.ShadeCode, &c.ShadeScale, &c.Urgency,
		&dateSent, &datePromised, &dateReturn,
		&c.Status, &c.FinalizedAt, &agreed, &cost,
		&c.ClinicalNotes, &c.TechnicalNotes, &c.AttachmentsRef, &c.CreatedAt, &c.UpdatedAt,
		&c.PatientName, &c.LabName, &c.ProfessionalName)
	if err != nil {
		return nil, err
	}
	c.DateSent = fromDBDate(dateSent)
	c.DatePromised = fromDBDate(datePromised)
	c.DateActualReturn = fromDBDate(dateReturn)
	c.AgreedValue = fromNullDecimal(agreed)
	c.CostValue = fromNullDecimal(cost)
	if c.Teeth == nil {
		c.Teeth = []string{}
	}
	return &c, nil
}

func fromDBDate(t *time.Time) *Date {
	if t == nil {
		return nil
	}
	d := NewDate(t.Year(), t.Month(), t.Day())
	return &d
}

func dateArg(d *Date) interface{} {
	if d == nil {
		return nil
	}
	return d.Time
}

func fromNullDecimal(n decimal.NullDecimal) *decimal.Decimal {
	if !n.Valid {
		return nil
	}
	d := n.Decimal
	return &d
}

func decimalArg(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func teethArg(t []string) []string {
	if t == nil {
		return []string{}
	}
	return t
}

func (r *caseRepoPG) CodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM prosthetic_cases WHERE code = $1)`, code).Scan(&exists)
	return exists, err
}

func (r *caseRepoPG) Create(ctx context.Context, c *Case) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO prosthetic_cases (code, clinic_id, patient_id, lab_id, professional_id, group_id,
			work_type, work_type_detail, piece_kind, teeth, material, material_detail, technique,
			shade_code, shade_scale, urgency, date_sent, date_promised, date_actual_return,
			status, finalized_at, agreed_value, cost_value, clinical_notes, technical_notes, attachments_ref)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)
		RETURNING id, created_at, updated_at`,
		c.Code, c.ClinicID, c.PatientID, c.LabID, c.ProfessionalID, c.GroupID,
		c.WorkType, c.WorkTypeDetail, c.PieceKind, teethArg(c.Teeth), c.Material, c.MaterialDetail, c.Technique,
		c.ShadeCode, c.ShadeScale, c.Urgency, dateArg(c.DateSent), dateArg(c.DatePromised), dateArg(c.DateActualReturn),
		c.Status, c.FinalizedAt, decimalArg(c.AgreedValue), decimalArg(c.CostValue),
		c.ClinicalNotes, c.TechnicalNotes, c.AttachmentsRef,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == codeConstraint {
		return ErrCodeTaken
	}
	return err
}

func (r *caseRepoPG) GetByID(ctx context.Context, clinicID string, id int64) (*Case, error) {
	query, args, err := selectCases().Where(sq.Eq{"c.id": id, "c.clinic_id": clinicID}).ToSql()
	if err != nil {
		return nil, err
	}
	c, err := scanCase(r.conn(ctx).QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("case %d not found", id)
	}
	return c, err
}

// Update writes every mutable column. Code, clinic and patient never change.
func (r *caseRepoPG) Update(ctx context.Context, c *Case) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE prosthetic_cases SET lab_id=$3, professional_id=$4, group_id=$5,
			work_type=$6, work_type_detail=$7, piece_kind=$8, teeth=$9, material=$10,
			material_detail=$11, technique=$12, shade_code=$13, shade_scale=$14, urgency=$15,
			date_sent=$16, date_promised=$17, date_actual_return=$18,
			status=$19, finalized_at=$20, agreed_value=$21, cost_value=$22,
			clinical_notes=$23, technical_notes=$24, attachments_ref=$25, updated_at=$26
		WHERE id = $1 AND clinic_id = $2`,
		c.ID, c.ClinicID, c.LabID, c.ProfessionalID, c.GroupID,
		c.WorkType, c.WorkTypeDetail, c.PieceKind, teethArg(c.Teeth), c.Material,
		c.MaterialDetail, c.Technique, c.ShadeCode, c.ShadeScale, c.Urgency,
		dateArg(c.DateSent), dateArg(c.DatePromised), dateArg(c.DateActualReturn),
		c.Status, c.FinalizedAt, decimalArg(c.AgreedValue), decimalArg(c.CostValue),
		c.ClinicalNotes, c.TechnicalNotes, c.AttachmentsRef, c.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("case %d not found", c.ID)
	}
	return nil
}

func (r *caseRepoPG) WithCaseLock(ctx context.Context, clinicID string, id int64, fn func(ctx context.Context, c *Case) error) error {
	return db.RunInTx(ctx, r.pool, func(ctx context.Context) error {
		query, args, err := selectCases().
			Where(sq.Eq{"c.id": id, "c.clinic_id": clinicID}).
			Suffix("FOR UPDATE OF c").
			ToSql()
		if err != nil {
			return err
		}
		c, err := scanCase(r.conn(ctx).QueryRow(ctx, query, args...))
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.NotFound("case %d not found", id)
		}
		if err != nil {
			return err
		}
		return fn(ctx, c)
	})
}

func listWhere(clinicID string, f ListFilter) sq.And {
	where := sq.And{sq.Eq{"c.clinic_id": clinicID}}
	if f.Status != nil {
		where = append(where, sq.Eq{"c.status": *f.Status})
	}
	if f.LabID != nil {
		where = append(where, sq.Eq{"c.lab_id": *f.LabID})
	}
	if f.PatientID != nil {
		where = append(where, sq.Eq{"c.patient_id": *f.PatientID})
	}
	if f.ProfessionalID != nil {
		where = append(where, sq.Eq{"c.professional_id": *f.ProfessionalID})
	}
	if f.Urgency != nil {
		where = append(where, sq.Eq{"c.urgency": *f.Urgency})
	}
	return where
}

const notTerminal = "c.status NOT IN ('finalized', 'cancelled')"

func (r *caseRepoPG) List(ctx context.Context, clinicID string, f ListFilter, today Date, limit, offset int) ([]*Case, Stats, error) {
	where := listWhere(clinicID, f)

	var stats Stats
	statsQuery, statsArgs, err := psql.Select("COUNT(*)").
		Column("COUNT(*) FILTER (WHERE " + notTerminal + ")").
		Column("COUNT(*) FILTER (WHERE c.status = 'finalized')").
		Column("COUNT(*) FILTER (WHERE c.date_promised < ? AND "+notTerminal+")", today.Time).
		Column("COUNT(*) FILTER (WHERE c.urgency IN ('urgent', 'emergency') AND " + notTerminal + ")").
		From("prosthetic_cases c").
		Where(where).
		ToSql()
	if err != nil {
		return nil, stats, err
	}
	if err := r.conn(ctx).QueryRow(ctx, statsQuery, statsArgs...).Scan(
		&stats.Total, &stats.InProgress, &stats.Finalized, &stats.Overdue, &stats.Urgent); err != nil {
		return nil, stats, err
	}

	query, args, err := selectCases().
		Where(where).
		OrderBy("c.created_at DESC", "c.id DESC").
		Limit(uint64(limit)).
		Offset(uint64(offset)).
		ToSql()
	if err != nil {
		return nil, stats, err
	}
	items, err := r.queryCases(ctx, query, args)
	return items, stats, err
}

// ListFinalized narrows by a padded UTC window; the exact clinic-local day
// comparison is left to Summarize.
func (r *caseRepoPG) ListFinalized(ctx context.Context, clinicID string, f SummaryFilter) ([]*Case, error) {
	where := sq.And{
		sq.Eq{"c.clinic_id": clinicID, "c.status": StatusFinalized},
		sq.NotEq{"c.finalized_at": nil},
	}
	if f.LabID != nil {
		where = append(where, sq.Eq{"c.lab_id": *f.LabID})
	}
	if f.ProfessionalID != nil {
		where = append(where, sq.Eq{"c.professional_id": *f.ProfessionalID})
	}
	if f.DateFrom != nil {
		where = append(where, sq.GtOrEq{"c.finalized_at": f.DateFrom.AddDate(0, 0, -1)})
	}
	if f.DateTo != nil {
		where = append(where, sq.Lt{"c.finalized_at": f.DateTo.AddDate(0, 0, 2)})
	}
	query, args, err := selectCases().Where(where).OrderBy("c.finalized_at", "c.id").ToSql()
	if err != nil {
		return nil, err
	}
	return r.queryCases(ctx, query, args)
}

func (r *caseRepoPG) queryCases(ctx context.Context, query string, args []interface{}) ([]*Case, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []*Case{}
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

// =========== History Repository ===========

type historyRepoPG struct{ pool *pgxpool.Pool }

func NewHistoryRepoPG(pool *pgxpool.Pool) HistoryRepository {
	return &historyRepoPG{pool: pool}
}

func (r *historyRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const historyCols = `id, case_id, previous_status, new_status, actor_name, actor_role, note, created_at`

func scanHistory(row pgx.Row) (*HistoryEntry, error) {
	var e HistoryEntry
	err := row.Scan(&e.ID, &e.CaseID, &e.PreviousStatus, &e.NewStatus, &e.ActorName, &e.ActorRole, &e.Note, &e.CreatedAt)
	return &e, err
}

// Append lets the database stamp created_at with clock_timestamp() so entries
// written in one transaction keep their order.
func (r *historyRepoPG) Append(ctx context.Context, e *HistoryEntry) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO prosthetic_case_history (case_id, previous_status, new_status, actor_name, actor_role, note)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		e.CaseID, e.PreviousStatus, e.NewStatus, e.ActorName, e.ActorRole, e.Note,
	).Scan(&e.ID, &e.CreatedAt)
}

func (r *historyRepoPG) ListByCase(ctx context.Context, caseID int64, order Order) ([]*HistoryEntry, error) {
	orderBy := "created_at ASC, id ASC"
	if order == Descending {
		orderBy = "created_at DESC, id DESC"
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+historyCols+` FROM prosthetic_case_history WHERE case_id = $1 ORDER BY `+orderBy, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []*HistoryEntry{}
	for rows.Next() {
		e, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

// =========== Message Repository ===========

type messageRepoPG struct{ pool *pgxpool.Pool }

func NewMessageRepoPG(pool *pgxpool.Pool) MessageRepository {
	return &messageRepoPG{pool: pool}
}

func (r *messageRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const messageCols = `id, case_id, sender_role, sender_name, body, is_read, read_at, created_at`

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.CaseID, &m.SenderRole, &m.SenderName, &m.Body, &m.IsRead, &m.ReadAt, &m.CreatedAt)
	return &m, err
}

func (r *messageRepoPG) Create(ctx context.Context, m *Message) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO prosthetic_case_messages (case_id, sender_role, sender_name, body)
		VALUES ($1, $2, $3, $4)
		RETURNING id, is_read, created_at`,
		m.CaseID, m.SenderRole, m.SenderName, m.Body,
	).Scan(&m.ID, &m.IsRead, &m.CreatedAt)
}

func (r *messageRepoPG) ListByCase(ctx context.Context, caseID int64) ([]*Message, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+messageCols+` FROM prosthetic_case_messages WHERE case_id = $1 ORDER BY created_at, id`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []*Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func (r *messageRepoPG) CountUnread(ctx context.Context, caseID int64, sender Role) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM prosthetic_case_messages
		WHERE case_id = $1 AND sender_role = $2 AND is_read = FALSE`, caseID, sender).Scan(&n)
	return n, err
}

// MarkRead only touches unread rows, so read_at keeps its first value.
func (r *messageRepoPG) MarkRead(ctx context.Context, caseID int64, sender Role, at time.Time) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE prosthetic_case_messages SET is_read = TRUE, read_at = $3
		WHERE case_id = $1 AND sender_role = $2 AND is_read = FALSE`, caseID, sender, at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
