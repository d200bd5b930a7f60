package prosthetic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dental/backoffice/internal/domain/directory"
	"github.com/dental/backoffice/internal/platform/apperr"
	"github.com/dental/backoffice/internal/platform/auth"
	"github.com/dental/backoffice/internal/platform/blobstore"
	"github.com/dental/backoffice/internal/platform/telemetry"
	"github.com/dental/backoffice/internal/platform/validation"
	"github.com/dental/backoffice/pkg/pagination"
)

const (
	maxCreateAttempts = 3
	maxBatchSize      = 20
	maxNoteLength     = 2000
)

type Service struct {
	cases    CaseRepository
	history  HistoryRepository
	messages MessageRepository
	tx       Transactor
	dir      directory.Lookup
	blobs    blobstore.Store
	codes    *CodeGenerator

	policy       TransitionPolicy
	metrics      *telemetry.Metrics
	logger       zerolog.Logger
	loc          *time.Location
	now          func() time.Time
	defaultLimit int
}

type Option func(*Service)

func WithPolicy(p TransitionPolicy) Option { return func(s *Service) { s.policy = p } }

func WithMetrics(m *telemetry.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithLocation sets the clinic timezone used for "today".
func WithLocation(loc *time.Location) Option { return func(s *Service) { s.loc = loc } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithDefaultLimit(n int) Option { return func(s *Service) { s.defaultLimit = n } }

func NewService(
	cases CaseRepository,
	history HistoryRepository,
	messages MessageRepository,
	tx Transactor,
	dir directory.Lookup,
	blobs blobstore.Store,
	opts ...Option,
) *Service {
	s := &Service{
		cases:        cases,
		history:      history,
		messages:     messages,
		tx:           tx,
		dir:          dir,
		blobs:        blobs,
		policy:       PermissivePolicy{},
		logger:       zerolog.Nop(),
		loc:          time.UTC,
		now:          time.Now,
		defaultLimit: pagination.DefaultLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.codes = NewCodeGenerator(cases, s.loc, s.metrics)
	s.codes.now = s.now
	return s
}

func (s *Service) today() Date {
	return DateOf(s.now(), s.loc)
}

// actorRole maps an authenticated role onto the audit vocabulary. Admins act
// on the clinic side.
func actorRole(a auth.Actor) Role {
	if a.IsLab() {
		return RoleLab
	}
	return RoleClinician
}

// -- Create --

// Create opens a case, issuing its code and writing the creation history
// entry in the same transaction.
func (s *Service) Create(ctx context.Context, clinicID string, in CreateInput, actor auth.Actor) (*Created, error) {
	if err := s.checkCreate(ctx, clinicID, &in, actor); err != nil {
		return nil, err
	}
	if in.GroupID == nil {
		g := uuid.New()
		in.GroupID = &g
	}

	var c *Case
	err := s.withCodeRetry(ctx, func(ctx context.Context) error {
		var err error
		c, err = s.insert(ctx, clinicID, in, actor)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Int64("case_id", c.ID).Str("code", c.Code).Str("clinic_id", clinicID).
		Str("actor", actor.Name).Msg("prosthetic case created")
	return &Created{ID: c.ID, Code: c.Code, GroupID: c.GroupID}, nil
}

// CreateBatch opens several cases that share one group id, all or none.
func (s *Service) CreateBatch(ctx context.Context, clinicID string, inputs []CreateInput, actor auth.Actor) (uuid.UUID, []*Created, error) {
	if len(inputs) == 0 {
		return uuid.Nil, nil, apperr.Validation("cases must not be empty")
	}
	if len(inputs) > maxBatchSize {
		return uuid.Nil, nil, apperr.Validation("at most %d cases per batch", maxBatchSize)
	}

	groupID := uuid.New()
	for _, in := range inputs {
		if in.GroupID != nil {
			groupID = *in.GroupID
			break
		}
	}
	for i := range inputs {
		if err := s.checkCreate(ctx, clinicID, &inputs[i], actor); err != nil {
			return uuid.Nil, nil, atIndex(i, err)
		}
		inputs[i].GroupID = &groupID
	}

	var created []*Created
	err := s.withCodeRetry(ctx, func(ctx context.Context) error {
		created = created[:0]
		for _, in := range inputs {
			c, err := s.insert(ctx, clinicID, in, actor)
			if err != nil {
				return err
			}
			created = append(created, &Created{ID: c.ID, Code: c.Code, GroupID: c.GroupID})
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, nil, err
	}
	s.logger.Info().Str("group_id", groupID.String()).Int("count", len(created)).
		Str("clinic_id", clinicID).Msg("prosthetic case batch created")
	return groupID, created, nil
}

// atIndex prefixes a client-facing message with the offending batch item.
func atIndex(i int, err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Kind != apperr.KindStore {
		return &apperr.Error{Kind: ae.Kind, Msg: fmt.Sprintf("cases[%d]: %s", i, ae.Msg)}
	}
	return err
}

// withCodeRetry reruns fn in a fresh transaction when the unique code index
// rejects an insert that raced another writer.
func (s *Service) withCodeRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		err = s.tx.RunInTx(ctx, fn)
		if !errors.Is(err, ErrCodeTaken) {
			return apperr.Store("create case", err)
		}
		s.metrics.CodeCollision()
	}
	return apperr.Store("create case", err)
}

func (s *Service) checkCreate(ctx context.Context, clinicID string, in *CreateInput, actor auth.Actor) error {
	if in.PatientID <= 0 {
		return apperr.Validation("patientId is required")
	}
	in.WorkType = strings.TrimSpace(in.WorkType)
	if in.WorkType == "" {
		return apperr.Validation("workType is required")
	}
	if in.Urgency == "" {
		in.Urgency = UrgencyNormal
	}
	if !in.Urgency.Valid() {
		return apperr.Validation("urgency must be one of normal, urgent, emergency")
	}
	if in.PieceKind != nil && !in.PieceKind.Valid() {
		return apperr.Validation("pieceKind must be temporary or definitive")
	}
	if err := checkTeeth(in.Teeth); err != nil {
		return err
	}
	if err := checkMoney("agreedValue", in.AgreedValue); err != nil {
		return err
	}
	if err := checkMoney("costValue", in.CostValue); err != nil {
		return err
	}

	if err := s.requireEntry(ctx, directory.KindPatient, clinicID, in.PatientID); err != nil {
		return err
	}
	if in.LabID != nil {
		if err := s.requireEntry(ctx, directory.KindLab, clinicID, *in.LabID); err != nil {
			return err
		}
	}
	if in.ProfessionalID != nil {
		return s.requireEntry(ctx, directory.KindProfessional, clinicID, *in.ProfessionalID)
	}

	// A clinician opening a case is its professional unless one was named.
	if actorRole(actor) == RoleClinician {
		if id, err := strconv.ParseInt(actor.ID, 10, 64); err == nil && id > 0 {
			_, err := s.dir.Professional(ctx, clinicID, id)
			switch {
			case err == nil:
				in.ProfessionalID = &id
			case !errors.Is(err, directory.ErrNotFound):
				return apperr.Store("look up professional", err)
			}
		}
	}
	return nil
}

func (s *Service) insert(ctx context.Context, clinicID string, in CreateInput, actor auth.Actor) (*Case, error) {
	code, err := s.codes.Issue(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	c := &Case{
		Code:           code,
		ClinicID:       clinicID,
		PatientID:      in.PatientID,
		LabID:          in.LabID,
		ProfessionalID: in.ProfessionalID,
		GroupID:        in.GroupID,
		WorkType:       in.WorkType,
		WorkTypeDetail: in.WorkTypeDetail,
		PieceKind:      in.PieceKind,
		Teeth:          teethArg(in.Teeth),
		Material:       in.Material,
		MaterialDetail: in.MaterialDetail,
		Technique:      in.Technique,
		ShadeCode:      in.ShadeCode,
		ShadeScale:     in.ShadeScale,
		Urgency:        in.Urgency,
		DateSent:       in.DateSent,
		DatePromised:   in.DatePromised,
		Status:         StatusCreated,
		AgreedValue:    in.AgreedValue,
		CostValue:      in.CostValue,
		ClinicalNotes:  in.ClinicalNotes,
		TechnicalNotes: in.TechnicalNotes,
		AttachmentsRef: in.AttachmentsRef,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.cases.Create(ctx, c); err != nil {
		return nil, err
	}
	entry := &HistoryEntry{
		CaseID:    c.ID,
		NewStatus: StatusCreated,
		ActorName: actor.Name,
		ActorRole: actorRole(actor),
		CreatedAt: now,
	}
	if err := s.history.Append(ctx, entry); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) requireEntry(ctx context.Context, kind directory.Kind, clinicID string, id int64) error {
	_, err := directory.Get(ctx, s.dir, kind, clinicID, id)
	if errors.Is(err, directory.ErrNotFound) {
		return apperr.NotFound("%s %d not found", kind, id)
	}
	return apperr.Store("directory lookup", err)
}

func checkTeeth(teeth []string) error {
	for i, t := range teeth {
		if !validation.ValidTooth(t) {
			return apperr.Validation("teeth[%d] contains an invalid tooth identifier", i)
		}
	}
	return nil
}

func checkMoney(field string, v *decimal.Decimal) error {
	if v != nil && v.IsNegative() {
		return apperr.Validation("%s must not be negative", field)
	}
	return nil
}

// -- Read --

func (s *Service) Get(ctx context.Context, clinicID string, id int64) (*Case, error) {
	c, err := s.cases.GetByID(ctx, clinicID, id)
	if err != nil {
		return nil, apperr.Store("get case", err)
	}
	return c, nil
}

// Detail is a case with everything hanging off it.
type Detail struct {
	Case        *Case              `json:"case"`
	Attachments []blobstore.Object `json:"attachments"`
	History     []*HistoryEntry    `json:"history"`
	Messages    []*Message         `json:"messages"`
	UnreadCount int                `json:"unreadCount"`
}

func (s *Service) Detail(ctx context.Context, clinicID string, id int64) (*Detail, error) {
	c, err := s.Get(ctx, clinicID, id)
	if err != nil {
		return nil, err
	}
	d := &Detail{Case: c, Attachments: []blobstore.Object{}}

	if d.History, err = s.history.ListByCase(ctx, c.ID, Ascending); err != nil {
		return nil, apperr.Store("list history", err)
	}
	if d.Messages, err = s.messages.ListByCase(ctx, c.ID); err != nil {
		return nil, apperr.Store("list messages", err)
	}
	if d.UnreadCount, err = s.messages.CountUnread(ctx, c.ID, RoleLab); err != nil {
		return nil, apperr.Store("count unread", err)
	}
	if s.blobs != nil {
		objs, err := s.blobs.List(ctx, AttachmentFolder(clinicID, c.PatientID, c.Code))
		if err != nil {
			// Attachments are auxiliary; the case itself still renders.
			s.logger.Warn().Err(err).Int64("case_id", c.ID).Msg("listing attachments failed")
		} else {
			d.Attachments = objs
		}
	}
	return d, nil
}

// ListResult is one page of cases plus stats over the whole filtered set.
type ListResult struct {
	Cases []*Case
	Stats Stats
	Page  pagination.Page
}

func (s *Service) List(ctx context.Context, clinicID string, f ListFilter, limit, offset int) (*ListResult, error) {
	p := pagination.Normalize(limit, offset, s.defaultLimit)
	items, stats, err := s.cases.List(ctx, clinicID, f, s.today(), p.Limit, p.Offset)
	if err != nil {
		return nil, apperr.Store("list cases", err)
	}
	return &ListResult{
		Cases: items,
		Stats: stats,
		Page:  pagination.NewPage(p, len(items), stats.Total),
	}, nil
}

// Stats returns the counters of every case in the clinic.
func (s *Service) Stats(ctx context.Context, clinicID string) (Stats, error) {
	res, err := s.List(ctx, clinicID, ListFilter{}, 1, 0)
	if err != nil {
		return Stats{}, err
	}
	return res.Stats, nil
}

// -- Update --

// Update edits fields without touching status. Labs may only change the
// technical side of a case.
func (s *Service) Update(ctx context.Context, clinicID string, id int64, in UpdateInput, actor auth.Actor) (*Case, error) {
	if in.Status != nil {
		return nil, apperr.Validation("status cannot be changed here; use the status endpoint")
	}
	if actorRole(actor) == RoleLab && in.clinicianOnly() {
		return nil, &apperr.Error{Kind: apperr.KindForbidden, Msg: "labs may only edit technical fields"}
	}
	if in.WorkType != nil {
		wt := strings.TrimSpace(*in.WorkType)
		if wt == "" {
			return nil, apperr.Validation("workType must not be empty")
		}
		in.WorkType = &wt
	}
	if in.Urgency != nil && !in.Urgency.Valid() {
		return nil, apperr.Validation("urgency must be one of normal, urgent, emergency")
	}
	if in.PieceKind != nil && !in.PieceKind.Valid() {
		return nil, apperr.Validation("pieceKind must be temporary or definitive")
	}
	if err := checkTeeth(in.Teeth); err != nil {
		return nil, err
	}
	if err := checkMoney("agreedValue", in.AgreedValue); err != nil {
		return nil, err
	}
	if in.LabID != nil {
		if err := s.requireEntry(ctx, directory.KindLab, clinicID, *in.LabID); err != nil {
			return nil, err
		}
	}
	if in.ProfessionalID != nil {
		if err := s.requireEntry(ctx, directory.KindProfessional, clinicID, *in.ProfessionalID); err != nil {
			return nil, err
		}
	}

	err := s.cases.WithCaseLock(ctx, clinicID, id, func(ctx context.Context, c *Case) error {
		in.apply(c)
		c.UpdatedAt = s.now()
		return s.cases.Update(ctx, c)
	})
	if err != nil {
		return nil, apperr.Store("update case", err)
	}
	return s.Get(ctx, clinicID, id)
}

// SetCost corrects the stored cost without a status change or history entry.
func (s *Service) SetCost(ctx context.Context, clinicID string, id int64, cost *decimal.Decimal) (*Case, error) {
	if cost == nil {
		return nil, apperr.Validation("costValue is required")
	}
	if err := checkMoney("costValue", cost); err != nil {
		return nil, err
	}
	err := s.cases.WithCaseLock(ctx, clinicID, id, func(ctx context.Context, c *Case) error {
		c.CostValue = cost
		c.UpdatedAt = s.now()
		return s.cases.Update(ctx, c)
	})
	if err != nil {
		return nil, apperr.Store("set cost", err)
	}
	return s.Get(ctx, clinicID, id)
}

// -- Transitions --

// Transition moves a case to a new status. Reading the current status,
// applying side effects, writing the case and appending the history entry
// happen under the case's row lock, so concurrent calls serialize and every
// entry's previous status is the status it actually replaced.
func (s *Service) Transition(ctx context.Context, clinicID string, id int64, in TransitionInput, actor auth.Actor) (*Case, error) {
	to, err := ParseStatus(in.Status)
	if err != nil {
		return nil, err
	}
	if in.Note != nil {
		note := strings.TrimSpace(*in.Note)
		if utf8.RuneCountInString(note) > maxNoteLength {
			return nil, apperr.Validation("note must be at most %d characters", maxNoteLength)
		}
		if note == "" {
			in.Note = nil
		} else {
			in.Note = &note
		}
	}
	if err := checkMoney("costValue", in.CostValue); err != nil {
		return nil, err
	}

	var from Status
	err = s.cases.WithCaseLock(ctx, clinicID, id, func(ctx context.Context, c *Case) error {
		from = c.Status
		if !s.policy.Allowed(from, to) {
			return apperr.Conflict("transition from %s to %s is not allowed", from, to)
		}

		now := s.now()
		applyStatus(c, to, now, s.loc)
		if in.CostValue != nil {
			c.CostValue = in.CostValue
		}
		c.UpdatedAt = now
		if err := s.cases.Update(ctx, c); err != nil {
			return err
		}

		prev := from
		return s.history.Append(ctx, &HistoryEntry{
			CaseID:         c.ID,
			PreviousStatus: &prev,
			NewStatus:      to,
			ActorName:      actor.Name,
			ActorRole:      actorRole(actor),
			Note:           in.Note,
			CreatedAt:      now,
		})
	})
	if err != nil {
		return nil, apperr.Store("transition case", err)
	}

	s.metrics.Transition(string(from), string(to))
	s.logger.Info().Int64("case_id", id).Str("clinic_id", clinicID).
		Str("from", string(from)).Str("to", string(to)).Str("actor", actor.Name).
		Msg("prosthetic case transitioned")
	return s.Get(ctx, clinicID, id)
}

// Cancel soft-terminates a case. The record and its history are kept.
func (s *Service) Cancel(ctx context.Context, clinicID string, id int64, reason *string, actor auth.Actor) (*Case, error) {
	return s.Transition(ctx, clinicID, id, TransitionInput{Status: string(StatusCancelled), Note: reason}, actor)
}

func (s *Service) History(ctx context.Context, clinicID string, id int64, order Order) ([]*HistoryEntry, error) {
	c, err := s.Get(ctx, clinicID, id)
	if err != nil {
		return nil, err
	}
	entries, err := s.history.ListByCase(ctx, c.ID, order)
	if err != nil {
		return nil, apperr.Store("list history", err)
	}
	return entries, nil
}

// -- Messages --

func (s *Service) PostMessage(ctx context.Context, clinicID string, id int64, body string, actor auth.Actor) (*Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, apperr.Validation("body is required")
	}
	if len([]rune(body)) > maxMessageLength {
		return nil, apperr.Validation("body must be at most %d characters", maxMessageLength)
	}
	c, err := s.Get(ctx, clinicID, id)
	if err != nil {
		return nil, err
	}

	m := &Message{
		CaseID:     c.ID,
		SenderRole: actorRole(actor),
		SenderName: actor.Name,
		Body:       body,
		CreatedAt:  s.now(),
	}
	if err := s.messages.Create(ctx, m); err != nil {
		return nil, apperr.Store("post message", err)
	}
	s.metrics.MessagePosted(string(m.SenderRole))
	return m, nil
}

// ListMessages returns the thread in chronological order and the number of
// lab messages the clinic has not read, counted now.
func (s *Service) ListMessages(ctx context.Context, clinicID string, id int64) ([]*Message, int, error) {
	c, err := s.Get(ctx, clinicID, id)
	if err != nil {
		return nil, 0, err
	}
	msgs, err := s.messages.ListByCase(ctx, c.ID)
	if err != nil {
		return nil, 0, apperr.Store("list messages", err)
	}
	unread, err := s.messages.CountUnread(ctx, c.ID, RoleLab)
	if err != nil {
		return nil, 0, apperr.Store("count unread", err)
	}
	return msgs, unread, nil
}

// MarkRead marks the other side's messages as read for actor.
func (s *Service) MarkRead(ctx context.Context, clinicID string, id int64, actor auth.Actor) (int64, error) {
	c, err := s.Get(ctx, clinicID, id)
	if err != nil {
		return 0, err
	}
	n, err := s.messages.MarkRead(ctx, c.ID, actorRole(actor).Other(), s.now())
	if err != nil {
		return 0, apperr.Store("mark read", err)
	}
	return n, nil
}

// -- Finance --

// Summary costs the finalized cases matching f.
func (s *Service) Summary(ctx context.Context, clinicID string, f SummaryFilter) (Summary, []*Case, error) {
	if err := f.Validate(); err != nil {
		return Summary{}, nil, err
	}
	cases, err := s.cases.ListFinalized(ctx, clinicID, f)
	if err != nil {
		return Summary{}, nil, apperr.Store("list finalized cases", err)
	}
	included := make([]*Case, 0, len(cases))
	for _, c := range cases {
		if f.Includes(c, s.loc) {
			included = append(included, c)
		}
	}
	return Summarize(included, f, s.loc), included, nil
}

// -- Attachments --

// AttachmentFolder is the blob prefix that holds a case's files.
func AttachmentFolder(clinicID string, patientID int64, code string) string {
	return fmt.Sprintf("clinics/%s/patients/%d/prosthetic/%s/", clinicID, patientID, code)
}

func cleanFileName(name string) (string, error) {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), `\`, "/"))
	if name == "" || name == "." || name == "/" || name == ".." {
		return "", apperr.Validation("file name is required")
	}
	return name, nil
}

// Attach stores a file in the case folder and records the folder on the case.
func (s *Service) Attach(ctx context.Context, clinicID string, id int64, fileName, contentType string, r io.Reader) (blobstore.Object, error) {
	if s.blobs == nil {
		return blobstore.Object{}, apperr.Validation("attachments are not configured")
	}
	name, err := cleanFileName(fileName)
	if err != nil {
		return blobstore.Object{}, err
	}

	c, err := s.Get(ctx, clinicID, id)
	if err != nil {
		return blobstore.Object{}, err
	}
	// The folder derives from fields that never change, so the upload runs
	// outside the row lock; only the reference update takes it.
	folder := AttachmentFolder(clinicID, c.PatientID, c.Code)
	obj, err := s.blobs.Put(ctx, folder+name, r, contentType)
	if err != nil {
		return blobstore.Object{}, apperr.Store("attach file", blobError(err))
	}
	if c.AttachmentsRef != nil && *c.AttachmentsRef == folder {
		return obj, nil
	}

	err = s.cases.WithCaseLock(ctx, clinicID, id, func(ctx context.Context, c *Case) error {
		if c.AttachmentsRef != nil && *c.AttachmentsRef == folder {
			return nil
		}
		c.AttachmentsRef = &folder
		c.UpdatedAt = s.now()
		return s.cases.Update(ctx, c)
	})
	if err != nil {
		return blobstore.Object{}, apperr.Store("attach file", err)
	}
	return obj, nil
}

// OpenAttachment streams one file of the case folder.
func (s *Service) OpenAttachment(ctx context.Context, clinicID string, id int64, fileName string) (blobstore.Object, io.ReadCloser, error) {
	if s.blobs == nil {
		return blobstore.Object{}, nil, apperr.NotFound("attachment not found")
	}
	name, err := cleanFileName(fileName)
	if err != nil {
		return blobstore.Object{}, nil, err
	}
	c, err := s.Get(ctx, clinicID, id)
	if err != nil {
		return blobstore.Object{}, nil, err
	}
	obj, rc, err := s.blobs.Get(ctx, AttachmentFolder(clinicID, c.PatientID, c.Code)+name)
	if err != nil {
		return blobstore.Object{}, nil, apperr.Store("open attachment", blobError(err))
	}
	return obj, rc, nil
}

func blobError(err error) error {
	switch {
	case errors.Is(err, blobstore.ErrBlobNotFound):
		return apperr.NotFound("attachment not found")
	case errors.Is(err, blobstore.ErrFileTooLarge):
		return apperr.Validation("file exceeds maximum allowed size")
	case errors.Is(err, blobstore.ErrInvalidContentType):
		return apperr.Validation("content type is not allowed")
	case errors.Is(err, blobstore.ErrInvalidKey):
		return apperr.Validation("invalid file name")
	}
	return err
}
