package integration

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/dental/backoffice/internal/domain/directory"
	"github.com/dental/backoffice/internal/domain/prosthetic"
	"github.com/dental/backoffice/internal/platform/apperr"
	"github.com/dental/backoffice/internal/platform/auth"
	"github.com/dental/backoffice/internal/platform/blobstore"
)

func newService(pool *pgxpool.Pool, opts ...prosthetic.Option) *prosthetic.Service {
	return prosthetic.NewService(
		prosthetic.NewCaseRepoPG(pool),
		prosthetic.NewHistoryRepoPG(pool),
		prosthetic.NewMessageRepoPG(pool),
		prosthetic.NewTransactor(pool),
		directory.NewRepoPG(pool),
		blobstore.NewMemoryStore(),
		opts...,
	)
}

func clinician(s seed) auth.Actor {
	return auth.Actor{ID: strconv.FormatInt(s.professionalID, 10), Name: "Dr. Silva", Role: auth.RoleClinician}
}

var labActor = auth.Actor{ID: "lab", Name: "Lab Prime", Role: auth.RoleLab}

func TestCaseLifecycle(t *testing.T) {
	pool := requireDB(t)
	ctx := context.Background()
	s := seedDirectory(t, ctx, pool, "lifecycle")
	svc := newService(pool)

	created, err := svc.Create(ctx, s.clinicID, prosthetic.CreateInput{
		PatientID: s.patientID,
		WorkType:  "crown",
		LabID:     &s.labID,
		Teeth:     []string{"11"},
	}, clinician(s))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !prosthetic.ValidCode(created.Code) {
		t.Errorf("unexpected code %q", created.Code)
	}

	c, err := svc.Get(ctx, s.clinicID, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Status != prosthetic.StatusCreated {
		t.Errorf("expected created, got %s", c.Status)
	}
	if c.PatientName != "Ana Souza" || c.LabName != "Lab Prime" || c.ProfessionalName != "Dr. Silva" {
		t.Errorf("directory names not joined: %+v", c)
	}

	if _, err := svc.Transition(ctx, s.clinicID, created.ID, prosthetic.TransitionInput{Status: "sent_to_lab"}, clinician(s)); err != nil {
		t.Fatalf("send to lab: %v", err)
	}
	history, err := svc.History(ctx, s.clinicID, created.ID, prosthetic.Ascending)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
	if history[0].PreviousStatus != nil {
		t.Errorf("creation entry should have no previous status")
	}
	if history[1].PreviousStatus == nil || *history[1].PreviousStatus != prosthetic.StatusCreated {
		t.Errorf("expected previous status created, got %v", history[1].PreviousStatus)
	}

	cost := decimal.RequireFromString("150.00")
	c, err = svc.Transition(ctx, s.clinicID, created.ID, prosthetic.TransitionInput{Status: "finalized", CostValue: &cost}, clinician(s))
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if c.FinalizedAt == nil || c.DateActualReturn == nil {
		t.Fatalf("finalize side effects missing: %+v", c)
	}
	if today := prosthetic.DateOf(time.Now(), time.UTC); c.DateActualReturn.String() != today.String() {
		t.Errorf("expected return date %s, got %s", today, c.DateActualReturn)
	}

	summary, _, err := svc.Summary(ctx, s.clinicID, prosthetic.SummaryFilter{})
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if !summary.Total.Equal(cost) || summary.Count != 1 {
		t.Errorf("expected total 150 over 1 case, got %s over %d", summary.Total, summary.Count)
	}
	if b := summary.ByLab["Lab Prime"]; b == nil || b.Count != 1 {
		t.Errorf("expected Lab Prime bucket, got %+v", summary.ByLab)
	}
}

func TestConcurrentTransitions(t *testing.T) {
	pool := requireDB(t)
	ctx := context.Background()
	s := seedDirectory(t, ctx, pool, "concurrent")
	svc := newService(pool)

	created, err := svc.Create(ctx, s.clinicID, prosthetic.CreateInput{PatientID: s.patientID, WorkType: "bridge"}, clinician(s))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	targets := []prosthetic.Status{
		prosthetic.StatusInDesign, prosthetic.StatusInProduction,
		prosthetic.StatusInFinishing, prosthetic.StatusInTransit,
	}
	const workers = 12
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			to := targets[i%len(targets)]
			_, err := svc.Transition(ctx, s.clinicID, created.ID, prosthetic.TransitionInput{Status: string(to)}, labActor)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("transition: %v", err)
		}
	}

	history, err := svc.History(ctx, s.clinicID, created.ID, prosthetic.Ascending)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != workers+1 {
		t.Fatalf("expected %d entries, got %d", workers+1, len(history))
	}
	for i := 1; i < len(history); i++ {
		if history[i].PreviousStatus == nil || *history[i].PreviousStatus != history[i-1].NewStatus {
			t.Errorf("entry %d: previous %v does not match %s", i, history[i].PreviousStatus, history[i-1].NewStatus)
		}
	}
	c, err := svc.Get(ctx, s.clinicID, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Status != history[len(history)-1].NewStatus {
		t.Errorf("case status %s does not match last entry %s", c.Status, history[len(history)-1].NewStatus)
	}
}

func TestHistoryIsAppendOnly(t *testing.T) {
	pool := requireDB(t)
	ctx := context.Background()
	s := seedDirectory(t, ctx, pool, "appendonly")
	svc := newService(pool)

	created, err := svc.Create(ctx, s.clinicID, prosthetic.CreateInput{PatientID: s.patientID, WorkType: "inlay"}, clinician(s))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := pool.Exec(ctx, `UPDATE prosthetic_case_history SET new_status = 'finalized' WHERE case_id = $1`, created.ID); err == nil {
		t.Error("expected update of history to fail")
	}
	if _, err := pool.Exec(ctx, `DELETE FROM prosthetic_case_history WHERE case_id = $1`, created.ID); err == nil {
		t.Error("expected delete of history to fail")
	}
}

func TestDuplicateCodeIsRejected(t *testing.T) {
	pool := requireDB(t)
	ctx := context.Background()
	s := seedDirectory(t, ctx, pool, "dupcode")
	svc := newService(pool)

	created, err := svc.Create(ctx, s.clinicID, prosthetic.CreateInput{PatientID: s.patientID, WorkType: "crown"}, clinician(s))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	repo := prosthetic.NewCaseRepoPG(pool)
	taken, err := repo.CodeExists(ctx, created.Code)
	if err != nil || !taken {
		t.Fatalf("expected code to exist, got %v, %v", taken, err)
	}
	now := time.Now()
	dup := &prosthetic.Case{
		Code: created.Code, ClinicID: s.clinicID, PatientID: s.patientID, WorkType: "crown",
		Urgency: prosthetic.UrgencyNormal, Status: prosthetic.StatusCreated, CreatedAt: now, UpdatedAt: now,
	}
	if err := repo.Create(ctx, dup); !errors.Is(err, prosthetic.ErrCodeTaken) {
		t.Errorf("expected ErrCodeTaken, got %v", err)
	}
}

func TestListStats(t *testing.T) {
	pool := requireDB(t)
	ctx := context.Background()
	s := seedDirectory(t, ctx, pool, "stats")
	svc := newService(pool)

	past := prosthetic.DateOf(time.Now().AddDate(0, 0, -10), time.UTC)
	inputs := []prosthetic.CreateInput{
		{PatientID: s.patientID, WorkType: "crown", Urgency: prosthetic.UrgencyUrgent, DatePromised: &past},
		{PatientID: s.patientID, WorkType: "inlay"},
		{PatientID: s.patientID, WorkType: "veneer", Urgency: prosthetic.UrgencyEmergency},
	}
	var ids []int64
	for _, in := range inputs {
		created, err := svc.Create(ctx, s.clinicID, in, clinician(s))
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, created.ID)
	}
	if _, err := svc.Transition(ctx, s.clinicID, ids[1], prosthetic.TransitionInput{Status: "finalized"}, clinician(s)); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if _, err := svc.Cancel(ctx, s.clinicID, ids[2], nil, clinician(s)); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	res, err := svc.List(ctx, s.clinicID, prosthetic.ListFilter{}, 2, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := prosthetic.Stats{Total: 3, InProgress: 1, Finalized: 1, Overdue: 1, Urgent: 1}
	if res.Stats != want {
		t.Errorf("expected %+v, got %+v", want, res.Stats)
	}
	if len(res.Cases) != 2 || !res.Page.HasMore {
		t.Errorf("expected a partial first page, got %d cases, hasMore=%v", len(res.Cases), res.Page.HasMore)
	}
	if res.Cases[0].ID != ids[2] {
		t.Errorf("expected newest case first, got %d", res.Cases[0].ID)
	}

	other, err := svc.List(ctx, uniqueClinicID("empty"), prosthetic.ListFilter{}, 10, 0)
	if err != nil {
		t.Fatalf("list other clinic: %v", err)
	}
	if other.Stats.Total != 0 {
		t.Errorf("expected no cases in another clinic, got %d", other.Stats.Total)
	}
}

func TestMessagesReadState(t *testing.T) {
	pool := requireDB(t)
	ctx := context.Background()
	s := seedDirectory(t, ctx, pool, "messages")
	svc := newService(pool)

	created, err := svc.Create(ctx, s.clinicID, prosthetic.CreateInput{PatientID: s.patientID, WorkType: "crown"}, clinician(s))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, body := range []string{"Scan received", "Shade?"} {
		if _, err := svc.PostMessage(ctx, s.clinicID, created.ID, body, labActor); err != nil {
			t.Fatalf("post: %v", err)
		}
	}

	n, err := svc.MarkRead(ctx, s.clinicID, created.ID, clinician(s))
	if err != nil || n != 2 {
		t.Fatalf("expected 2 marked, got %d, %v", n, err)
	}
	msgs, unread, err := svc.ListMessages(ctx, s.clinicID, created.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if unread != 0 {
		t.Errorf("expected 0 unread, got %d", unread)
	}
	firstRead := *msgs[0].ReadAt

	if _, err := pool.Exec(ctx, `UPDATE prosthetic_case_messages SET is_read = FALSE, read_at = NULL WHERE case_id = $1`, created.ID); err == nil {
		t.Error("expected clearing the read flag to fail")
	}

	n, err = svc.MarkRead(ctx, s.clinicID, created.ID, clinician(s))
	if err != nil || n != 0 {
		t.Fatalf("expected nothing left to mark, got %d, %v", n, err)
	}
	msgs, _, err = svc.ListMessages(ctx, s.clinicID, created.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !msgs[0].ReadAt.Equal(firstRead) {
		t.Errorf("readAt rewritten: %s -> %s", firstRead, msgs[0].ReadAt)
	}
}

func TestDirectoryIsClinicScoped(t *testing.T) {
	pool := requireDB(t)
	ctx := context.Background()
	s := seedDirectory(t, ctx, pool, "scoped")
	svc := newService(pool)

	_, err := svc.Create(ctx, uniqueClinicID("intruder"), prosthetic.CreateInput{PatientID: s.patientID, WorkType: "crown"}, labActor)
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("expected not found for another clinic's patient, got %v", err)
	}

	lookup := directory.NewRepoPG(pool)
	lab, err := lookup.Lab(ctx, s.clinicID, s.labID)
	if err != nil {
		t.Fatalf("lab lookup: %v", err)
	}
	if lab.Name != "Lab Prime" || len(lab.Specialties) != 2 {
		t.Errorf("unexpected lab entry %+v", lab)
	}
}
