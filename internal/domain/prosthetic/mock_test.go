package prosthetic

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dental/backoffice/internal/domain/directory"
	"github.com/dental/backoffice/internal/platform/apperr"
)

// memDB backs the in-memory repositories. Row locks are per-case mutexes so
// WithCaseLock serializes like SELECT ... FOR UPDATE.
type memDB struct {
	mu       sync.Mutex
	locks    map[int64]*sync.Mutex
	cases    map[int64]*Case
	history  []*HistoryEntry
	messages []*Message
	nextID   int64

	takenCodes map[string]bool
	codeTakenN int // Create reports ErrCodeTaken this many times
	dir        *memDirectory
}

func newMemDB() *memDB {
	return &memDB{
		locks:      map[int64]*sync.Mutex{},
		cases:      map[int64]*Case{},
		takenCodes: map[string]bool{},
		dir:        newMemDirectory(),
	}
}

func (d *memDB) id() int64 {
	d.nextID++
	return d.nextID
}

func (d *memDB) lockFor(id int64) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.locks[id]
	if !ok {
		l = &sync.Mutex{}
		d.locks[id] = l
	}
	return l
}

func cloneCase(c *Case) *Case {
	cp := *c
	cp.Teeth = append([]string{}, c.Teeth...)
	return &cp
}

func (d *memDB) withNames(c *Case) *Case {
	out := cloneCase(c)
	if e, ok := d.dir.find(directory.KindPatient, c.ClinicID, c.PatientID); ok {
		out.PatientName = e.Name
	}
	if c.LabID != nil {
		if e, ok := d.dir.find(directory.KindLab, c.ClinicID, *c.LabID); ok {
			out.LabName = e.Name
		}
	}
	if c.ProfessionalID != nil {
		if e, ok := d.dir.find(directory.KindProfessional, c.ClinicID, *c.ProfessionalID); ok {
			out.ProfessionalName = e.Name
		}
	}
	return out
}

// -- cases --

type memCases struct{ db *memDB }

func (r *memCases) CodeExists(_ context.Context, code string) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if r.db.takenCodes[code] {
		return true, nil
	}
	for _, c := range r.db.cases {
		if c.Code == code {
			return true, nil
		}
	}
	return false, nil
}

func (r *memCases) Create(_ context.Context, c *Case) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if r.db.codeTakenN > 0 {
		r.db.codeTakenN--
		return ErrCodeTaken
	}
	for _, existing := range r.db.cases {
		if existing.Code == c.Code {
			return ErrCodeTaken
		}
	}
	c.ID = r.db.id()
	r.db.cases[c.ID] = cloneCase(c)
	return nil
}

func (r *memCases) GetByID(_ context.Context, clinicID string, id int64) (*Case, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	c, ok := r.db.cases[id]
	if !ok || c.ClinicID != clinicID {
		return nil, apperr.NotFound("case %d not found", id)
	}
	return r.db.withNames(c), nil
}

func (r *memCases) Update(_ context.Context, c *Case) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	existing, ok := r.db.cases[c.ID]
	if !ok || existing.ClinicID != c.ClinicID {
		return apperr.NotFound("case %d not found", c.ID)
	}
	r.db.cases[c.ID] = cloneCase(c)
	return nil
}

func (r *memCases) WithCaseLock(ctx context.Context, clinicID string, id int64, fn func(ctx context.Context, c *Case) error) error {
	l := r.db.lockFor(id)
	l.Lock()
	defer l.Unlock()
	c, err := r.GetByID(ctx, clinicID, id)
	if err != nil {
		return err
	}
	return fn(ctx, c)
}

func (r *memCases) List(_ context.Context, clinicID string, f ListFilter, today Date, limit, offset int) ([]*Case, Stats, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	var matched []*Case
	var stats Stats
	for _, c := range r.db.cases {
		if c.ClinicID != clinicID ||
			(f.Status != nil && c.Status != *f.Status) ||
			(f.LabID != nil && (c.LabID == nil || *c.LabID != *f.LabID)) ||
			(f.PatientID != nil && c.PatientID != *f.PatientID) ||
			(f.ProfessionalID != nil && (c.ProfessionalID == nil || *c.ProfessionalID != *f.ProfessionalID)) ||
			(f.Urgency != nil && c.Urgency != *f.Urgency) {
			continue
		}
		addStats(&stats, c, today)
		matched = append(matched, r.db.withNames(c))
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	if offset > len(matched) {
		offset = len(matched)
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return append([]*Case{}, matched[offset:end]...), stats, nil
}

func (r *memCases) ListFinalized(_ context.Context, clinicID string, f SummaryFilter) ([]*Case, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	out := []*Case{}
	for _, c := range r.db.cases {
		if c.ClinicID != clinicID || c.Status != StatusFinalized {
			continue
		}
		if f.LabID != nil && (c.LabID == nil || *c.LabID != *f.LabID) {
			continue
		}
		if f.ProfessionalID != nil && (c.ProfessionalID == nil || *c.ProfessionalID != *f.ProfessionalID) {
			continue
		}
		out = append(out, r.db.withNames(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// -- history --

type memHistory struct{ db *memDB }

func (r *memHistory) Append(_ context.Context, e *HistoryEntry) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	e.ID = r.db.id()
	cp := *e
	r.db.history = append(r.db.history, &cp)
	return nil
}

func (r *memHistory) ListByCase(_ context.Context, caseID int64, order Order) ([]*HistoryEntry, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	out := []*HistoryEntry{}
	for _, e := range r.db.history {
		if e.CaseID == caseID {
			cp := *e
			out = append(out, &cp)
		}
	}
	if order == Descending {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

// -- messages --

type memMessages struct{ db *memDB }

func (r *memMessages) Create(_ context.Context, m *Message) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	m.ID = r.db.id()
	cp := *m
	r.db.messages = append(r.db.messages, &cp)
	return nil
}

func (r *memMessages) ListByCase(_ context.Context, caseID int64) ([]*Message, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	out := []*Message{}
	for _, m := range r.db.messages {
		if m.CaseID == caseID {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memMessages) CountUnread(_ context.Context, caseID int64, sender Role) (int, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	n := 0
	for _, m := range r.db.messages {
		if m.CaseID == caseID && m.SenderRole == sender && !m.IsRead {
			n++
		}
	}
	return n, nil
}

func (r *memMessages) MarkRead(_ context.Context, caseID int64, sender Role, at time.Time) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var n int64
	for _, m := range r.db.messages {
		if m.CaseID == caseID && m.SenderRole == sender && !m.IsRead {
			t := at
			m.IsRead = true
			m.ReadAt = &t
			n++
		}
	}
	return n, nil
}

// -- transactions --

type memTx struct{}

func (memTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// addStats mirrors the stats aggregate computed in SQL by the Postgres repo.
func addStats(s *Stats, c *Case, today Date) {
	s.Total++
	if c.Status == StatusFinalized {
		s.Finalized++
	}
	if c.Status.IsTerminal() {
		return
	}
	s.InProgress++
	if c.DatePromised != nil && c.DatePromised.Before(today) {
		s.Overdue++
	}
	if c.Urgency == UrgencyUrgent || c.Urgency == UrgencyEmergency {
		s.Urgent++
	}
}

// -- directory --

type memDirectory struct {
	mu      sync.Mutex
	entries map[string]*directory.Entry
	fail    map[directory.Kind]error // lookups of these kinds fail
}

func newMemDirectory() *memDirectory {
	return &memDirectory{entries: map[string]*directory.Entry{}, fail: map[directory.Kind]error{}}
}

func (d *memDirectory) failKind(kind directory.Kind, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail[kind] = err
}

func (d *memDirectory) add(kind directory.Kind, clinicID string, id int64, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[directory.CacheKey(kind, clinicID, id)] = &directory.Entry{ID: id, Name: name}
}

func (d *memDirectory) find(kind directory.Kind, clinicID string, id int64) (*directory.Entry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[directory.CacheKey(kind, clinicID, id)]
	return e, ok
}

func (d *memDirectory) get(kind directory.Kind, clinicID string, id int64) (*directory.Entry, error) {
	d.mu.Lock()
	err := d.fail[kind]
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if e, ok := d.find(kind, clinicID, id); ok {
		cp := *e
		return &cp, nil
	}
	return nil, directory.ErrNotFound
}

func (d *memDirectory) Patient(_ context.Context, clinicID string, id int64) (*directory.Entry, error) {
	return d.get(directory.KindPatient, clinicID, id)
}

func (d *memDirectory) Professional(_ context.Context, clinicID string, id int64) (*directory.Entry, error) {
	return d.get(directory.KindProfessional, clinicID, id)
}

func (d *memDirectory) Lab(_ context.Context, clinicID string, id int64) (*directory.Entry, error) {
	return d.get(directory.KindLab, clinicID, id)
}

// -- clock --

// fakeClock advances one second per reading so timestamps are strictly
// increasing.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}
