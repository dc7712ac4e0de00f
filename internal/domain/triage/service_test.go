package triage

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/triage/internal/domain/symptom"
)

// -- Mock archive --

type mockRepo struct {
	mu        sync.Mutex
	saved     map[uuid.UUID]*Session
	saves     int
	saveErr   error
	listErr   error
	cutoffs   []time.Time
	expireErr error
}

func newMockRepo() *mockRepo {
	return &mockRepo{saved: make(map[uuid.UUID]*Session)}
}

func (m *mockRepo) Save(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	// Same guard as the postgres upsert.
	if prev, ok := m.saved[s.ID]; ok {
		if prev.Version >= s.Version || (prev.State == StateCompleted && s.State == StateActive) {
			return nil
		}
	}
	m.saved[s.ID] = s.Clone()
	return nil
}

// heldRepo parks the first ACTIVE save that carries a transcript until
// release is closed.
type heldRepo struct {
	*mockRepo
	once    sync.Once
	held    chan struct{}
	release chan struct{}
}

func newHeldRepo() *heldRepo {
	return &heldRepo{mockRepo: newMockRepo(), held: make(chan struct{}), release: make(chan struct{})}
}

func (h *heldRepo) Save(ctx context.Context, s *Session) error {
	if s.State == StateActive && len(s.Transcript) > 0 {
		hold := false
		h.once.Do(func() { hold = true })
		if hold {
			close(h.held)
			<-h.release
		}
	}
	return h.mockRepo.Save(ctx, s)
}

func (m *mockRepo) ListByPatient(_ context.Context, patientID uuid.UUID, filter HistoryFilter, limit, offset int) ([]*Session, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, 0, m.listErr
	}
	var out []*Session
	for _, s := range m.saved {
		if s.PatientID == patientID && filter.matches(s) {
			out = append(out, s.Clone())
		}
	}
	return out, len(out), nil
}

func (m *mockRepo) ExpireStale(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cutoffs = append(m.cutoffs, cutoff)
	return 0, m.expireErr
}

// -- Mock publisher --

type mockPublisher struct {
	mu     sync.Mutex
	events []CompletedEvent
	err    error
}

func (m *mockPublisher) Publish(_ context.Context, event any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev, ok := event.(CompletedEvent); ok {
		m.events = append(m.events, ev)
	}
	return m.err
}

// -- Mock recorder --

type mockRecorder struct {
	mu         sync.Mutex
	started    int
	completed  []string
	classified []string
	symptoms   int
}

func (m *mockRecorder) SessionStarted() {
	m.mu.Lock()
	m.started++
	m.mu.Unlock()
}

func (m *mockRecorder) SessionCompleted(riskLevel, reason string) {
	m.mu.Lock()
	m.completed = append(m.completed, riskLevel+"/"+reason)
	m.mu.Unlock()
}

func (m *mockRecorder) MessageClassified(riskHint string) {
	m.mu.Lock()
	m.classified = append(m.classified, riskHint)
	m.mu.Unlock()
}

func (m *mockRecorder) SymptomAdded() {
	m.mu.Lock()
	m.symptoms++
	m.mu.Unlock()
}

type serviceFixture struct {
	svc     *Service
	clock   *fakeClock
	events  *mockPublisher
	metrics *mockRecorder
	patient uuid.UUID
}

func newServiceFixture(t *testing.T, opts ...StoreOption) *serviceFixture {
	t.Helper()
	cat, err := symptom.Default()
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	clock := newFakeClock()
	store := NewStore(30*time.Minute, 24*time.Hour, append([]StoreOption{WithClock(clock.Now)}, opts...)...)
	svc := NewService(store, cat, zerolog.Nop())
	f := &serviceFixture{
		svc:     svc,
		clock:   clock,
		events:  &mockPublisher{},
		metrics: &mockRecorder{},
		patient: uuid.New(),
	}
	svc.SetPublisher(f.events)
	svc.SetRecorder(f.metrics)
	return f
}

func (f *serviceFixture) start(t *testing.T) *Session {
	t.Helper()
	sess, err := f.svc.Start(context.Background(), f.patient)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return sess
}

func TestService_StartRequiresPatient(t *testing.T) {
	f := newServiceFixture(t)
	if _, err := f.svc.Start(context.Background(), uuid.Nil); !errors.Is(err, ErrInvalidReference) {
		t.Errorf("expected ErrInvalidReference, got %v", err)
	}
	if f.metrics.started != 0 {
		t.Errorf("expected no started metric, got %d", f.metrics.started)
	}
}

func TestService_StartCreatesNewSessionEachTime(t *testing.T) {
	f := newServiceFixture(t)
	a := f.start(t)
	b := f.start(t)
	if a.ID == b.ID {
		t.Error("expected distinct sessions")
	}
	if a.State != StateActive || len(a.SymptomsReported) != 0 || len(a.Transcript) != 0 {
		t.Errorf("unexpected initial session %+v", a)
	}
	if f.metrics.started != 2 {
		t.Errorf("expected 2 started, got %d", f.metrics.started)
	}
}

func TestService_StartIDExhausted(t *testing.T) {
	f := newServiceFixture(t, WithIDGenerator(func() (uuid.UUID, error) {
		return uuid.Nil, errors.New("no entropy")
	}))
	if _, err := f.svc.Start(context.Background(), f.patient); !errors.Is(err, ErrIDGenerationExhausted) {
		t.Errorf("expected ErrIDGenerationExhausted, got %v", err)
	}
}

func TestService_AddSymptom(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	sess := f.start(t)

	got, added, err := f.svc.AddSymptom(ctx, f.patient, sess.ID, "fever")
	if err != nil {
		t.Fatalf("add symptom: %v", err)
	}
	if !added {
		t.Error("expected first add to report added")
	}
	if !reflect.DeepEqual(got.SymptomsReported, []string{"fever"}) {
		t.Errorf("unexpected symptoms %v", got.SymptomsReported)
	}
	if len(got.Transcript) != 1 || got.Transcript[0].Speaker != SpeakerSystem || got.Transcript[0].Message != "Symptom reported: Fever" {
		t.Errorf("unexpected transcript %+v", got.Transcript)
	}

	got, added, err = f.svc.AddSymptom(ctx, f.patient, sess.ID, "fever")
	if err != nil {
		t.Fatalf("re-add symptom: %v", err)
	}
	if added {
		t.Error("expected re-add to be a no-op")
	}
	if len(got.SymptomsReported) != 1 || len(got.Transcript) != 1 {
		t.Errorf("duplicate recorded: %v / %d entries", got.SymptomsReported, len(got.Transcript))
	}
	if f.metrics.symptoms != 1 {
		t.Errorf("expected 1 symptom metric, got %d", f.metrics.symptoms)
	}
	if got.RiskLevel != RiskUnknown {
		t.Errorf("adding symptoms must not set risk, got %s", got.RiskLevel)
	}
}

func TestService_AddSymptomErrors(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	sess := f.start(t)

	for _, id := range []string{"unicorn_flu", "", "FEVER"} {
		_, _, err := f.svc.AddSymptom(ctx, f.patient, sess.ID, id)
		if !errors.Is(err, ErrUnknownSymptom) || !errors.Is(err, ErrNotFound) {
			t.Errorf("%q: expected ErrUnknownSymptom, got %v", id, err)
		}
	}

	if _, _, err := f.svc.AddSymptom(ctx, f.patient, uuid.New(), "fever"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("unknown session: expected ErrSessionNotFound, got %v", err)
	}
	if _, _, err := f.svc.AddSymptom(ctx, uuid.New(), sess.ID, "fever"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("foreign session: expected ErrSessionNotFound, got %v", err)
	}
}

func TestService_AddMessage(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	sess := f.start(t)

	out, err := f.svc.AddMessage(ctx, f.patient, sess.ID, "  I have chest pain and can't breathe ")
	if err != nil {
		t.Fatalf("add message: %v", err)
	}
	if out.RiskHint != RiskHigh {
		t.Errorf("expected high hint, got %s", out.RiskHint)
	}
	if !strings.HasPrefix(out.Reply, "Seek emergency care. When did the chest pain start?") {
		t.Errorf("unexpected reply %q", out.Reply)
	}

	got, err := f.svc.Get(ctx, f.patient, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RiskLevel != RiskUnknown {
		t.Errorf("messages must not set risk, got %s", got.RiskLevel)
	}
	if len(got.Transcript) != 2 {
		t.Fatalf("expected patient and assistant entries, got %d", len(got.Transcript))
	}
	if got.Transcript[0].Speaker != SpeakerPatient || got.Transcript[0].Message != "I have chest pain and can't breathe" {
		t.Errorf("unexpected patient entry %+v", got.Transcript[0])
	}
	if got.Transcript[1].Speaker != SpeakerAssistant || got.Transcript[1].Message != out.Reply {
		t.Errorf("unexpected assistant entry %+v", got.Transcript[1])
	}
	if !reflect.DeepEqual(f.metrics.classified, []string{"high"}) {
		t.Errorf("unexpected classified metrics %v", f.metrics.classified)
	}
}

func TestService_AddMessageUsesRunningTranscript(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	sess := f.start(t)

	if _, err := f.svc.AddMessage(ctx, f.patient, sess.ID, "my chest hurts"); err != nil {
		t.Fatal(err)
	}
	out, err := f.svc.AddMessage(ctx, f.patient, sess.ID, "and the pain is getting worse")
	if err != nil {
		t.Fatal(err)
	}
	if out.RiskHint != RiskHigh {
		t.Errorf("expected earlier turns to count, got %s", out.RiskHint)
	}
}

func TestService_AddMessageErrors(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	sess := f.start(t)

	if _, err := f.svc.AddMessage(ctx, f.patient, sess.ID, "   "); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := f.svc.AddMessage(ctx, f.patient, uuid.New(), "hello"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestService_FinalizeIdempotent(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	sess := f.start(t)
	f.svc.AddSymptom(ctx, f.patient, sess.ID, "cough")

	first, done, err := f.svc.Finalize(ctx, f.patient, sess.ID)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if done.State != StateCompleted || done.RiskLevel != RiskLow || done.CompletedAt == nil {
		t.Errorf("unexpected completed session %+v", done)
	}

	f.clock.Advance(time.Minute)
	second, again, err := f.svc.Finalize(ctx, f.patient, sess.ID)
	if err != nil {
		t.Fatalf("second finalize: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("results differ:\n%+v\n%+v", first, second)
	}
	if !again.CompletedAt.Equal(*done.CompletedAt) {
		t.Error("completion time changed on second finalize")
	}
	if len(f.events.events) != 1 {
		t.Errorf("expected one completed event, got %d", len(f.events.events))
	}
	if !reflect.DeepEqual(f.metrics.completed, []string{"low/finalized"}) {
		t.Errorf("unexpected completed metrics %v", f.metrics.completed)
	}

	ev := f.events.events[0]
	if ev.SessionID != sess.ID || ev.PatientID != f.patient || ev.RiskLevel != RiskLow || ev.Expired {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestService_FinalizeReturnsCopy(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	sess := f.start(t)

	first, _, _ := f.svc.Finalize(ctx, f.patient, sess.ID)
	first.FollowUpQuestions[0] = "tampered"
	second, _, _ := f.svc.Finalize(ctx, f.patient, sess.ID)
	if second.FollowUpQuestions[0] == "tampered" {
		t.Error("caller mutation leaked into stored result")
	}
}

func TestService_FinalizeUnknown(t *testing.T) {
	f := newServiceFixture(t)
	if _, _, err := f.svc.Finalize(context.Background(), f.patient, uuid.New()); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestService_CompletedBlocksMutation(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	sess := f.start(t)
	if _, _, err := f.svc.Finalize(ctx, f.patient, sess.ID); err != nil {
		t.Fatal(err)
	}

	if _, _, err := f.svc.AddSymptom(ctx, f.patient, sess.ID, "fever"); !errors.Is(err, ErrSessionCompleted) || !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrSessionCompleted, got %v", err)
	}
	if _, err := f.svc.AddMessage(ctx, f.patient, sess.ID, "still here"); !errors.Is(err, ErrSessionCompleted) {
		t.Errorf("expected ErrSessionCompleted, got %v", err)
	}
	got, _ := f.svc.Get(ctx, f.patient, sess.ID)
	if len(got.SymptomsReported) != 0 || len(got.Transcript) != 0 {
		t.Errorf("completed session changed: %+v", got)
	}
}

func TestService_ExpiredSessionUnreachableButInHistory(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	sess := f.start(t)
	f.svc.AddSymptom(ctx, f.patient, sess.ID, "headache")

	f.clock.Advance(31 * time.Minute)

	if _, _, err := f.svc.AddSymptom(ctx, f.patient, sess.ID, "fever"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("addSymptom: expected ErrSessionNotFound, got %v", err)
	}
	if _, err := f.svc.AddMessage(ctx, f.patient, sess.ID, "hello?"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("addMessage: expected ErrSessionNotFound, got %v", err)
	}
	if _, _, err := f.svc.Finalize(ctx, f.patient, sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("finalize: expected ErrSessionNotFound, got %v", err)
	}

	items, total, err := f.svc.History(ctx, f.patient, HistoryFilter{}, 10, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if total != 1 || items[0].ID != sess.ID {
		t.Fatalf("expected expired session in history, got %v", items)
	}
	if !items[0].Expired || items[0].State != StateCompleted || items[0].RiskLevel != RiskUnknown {
		t.Errorf("expected auto-finalized session, got %+v", items[0])
	}

	if len(f.events.events) != 1 || !f.events.events[0].Expired {
		t.Errorf("expected one expired event, got %+v", f.events.events)
	}
	if !reflect.DeepEqual(f.metrics.completed, []string{"unknown/expired"}) {
		t.Errorf("unexpected completed metrics %v", f.metrics.completed)
	}
}

func TestService_HistoryOrderingAndFilters(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	older := f.start(t)
	f.clock.Advance(time.Second)
	newer := f.start(t)
	f.svc.AddMessage(ctx, f.patient, newer.ID, "fever since yesterday")
	f.svc.Finalize(ctx, f.patient, newer.ID)

	items, total, err := f.svc.History(ctx, f.patient, HistoryFilter{}, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || items[0].ID != newer.ID || items[1].ID != older.ID {
		t.Errorf("expected most recent first, got %v", items)
	}

	items, total, _ = f.svc.History(ctx, f.patient, HistoryFilter{RiskLevel: RiskMedium}, 10, 0)
	if total != 1 || items[0].ID != newer.ID {
		t.Errorf("risk filter: got %v", items)
	}

	other, total, _ := f.svc.History(ctx, uuid.New(), HistoryFilter{}, 10, 0)
	if total != 0 || len(other) != 0 {
		t.Errorf("expected no sessions for another patient, got %d", total)
	}
}

func TestService_HistoryValidation(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	if _, _, err := f.svc.History(ctx, uuid.Nil, HistoryFilter{}, 10, 0); !errors.Is(err, ErrInvalidReference) {
		t.Errorf("expected ErrInvalidReference, got %v", err)
	}
	if _, _, err := f.svc.History(ctx, f.patient, HistoryFilter{RiskLevel: "extreme"}, 10, 0); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for risk level, got %v", err)
	}
	if _, _, err := f.svc.History(ctx, f.patient, HistoryFilter{State: "CANCELLED"}, 10, 0); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for state, got %v", err)
	}
}

func TestService_ArchiveWriteThrough(t *testing.T) {
	f := newServiceFixture(t)
	repo := newMockRepo()
	f.svc.SetArchive(repo, nil)
	ctx := context.Background()

	sess := f.start(t)
	f.svc.AddSymptom(ctx, f.patient, sess.ID, "cough")
	f.svc.AddSymptom(ctx, f.patient, sess.ID, "cough")
	f.svc.AddMessage(ctx, f.patient, sess.ID, "dry cough")
	f.svc.Finalize(ctx, f.patient, sess.ID)
	f.svc.Finalize(ctx, f.patient, sess.ID)

	if repo.saves != 4 {
		t.Errorf("expected 4 saves (start, symptom, message, finalize), got %d", repo.saves)
	}
	archived := repo.saved[sess.ID]
	if archived == nil || archived.State != StateCompleted || archived.Result == nil {
		t.Fatalf("unexpected archived session %+v", archived)
	}

	items, total, err := f.svc.History(ctx, f.patient, HistoryFilter{}, 10, 0)
	if err != nil || total != 1 || items[0].ID != sess.ID {
		t.Errorf("history from archive: %v %d %v", items, total, err)
	}
}

func TestService_ArchiveIgnoresSavesArrivingOutOfOrder(t *testing.T) {
	f := newServiceFixture(t)
	repo := newHeldRepo()
	f.svc.SetArchive(repo, nil)
	ctx := context.Background()
	sess := f.start(t)

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.AddMessage(ctx, f.patient, sess.ID, "I have a fever")
		done <- err
	}()
	<-repo.held

	result, _, err := f.svc.Finalize(ctx, f.patient, sess.ID)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	close(repo.release)
	if err := <-done; err != nil {
		t.Fatalf("add message: %v", err)
	}

	items, total, err := f.svc.History(ctx, f.patient, HistoryFilter{}, 10, 0)
	if err != nil || total != 1 {
		t.Fatalf("history: %v (total %d)", err, total)
	}
	if items[0].State != StateCompleted || items[0].RiskLevel != result.RiskLevel {
		t.Errorf("stale save regressed archive to %s/%s", items[0].State, items[0].RiskLevel)
	}
	if items[0].RiskLevel != RiskMedium || items[0].Result == nil {
		t.Errorf("expected archived medium result, got %+v", items[0])
	}
}

func TestService_SavedSnapshotsCarryIncreasingVersions(t *testing.T) {
	f := newServiceFixture(t)
	repo := newMockRepo()
	f.svc.SetArchive(repo, nil)
	ctx := context.Background()

	sess := f.start(t)
	var versions []int64
	record := func() {
		repo.mu.Lock()
		versions = append(versions, repo.saved[sess.ID].Version)
		repo.mu.Unlock()
	}
	record()
	f.svc.AddSymptom(ctx, f.patient, sess.ID, "fever")
	record()
	f.svc.AddMessage(ctx, f.patient, sess.ID, "hot and shivering")
	record()
	f.svc.Finalize(ctx, f.patient, sess.ID)
	record()

	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Fatalf("versions not increasing: %v", versions)
		}
	}
}

func TestService_ArchiveFailuresDoNotFailFlow(t *testing.T) {
	f := newServiceFixture(t)
	repo := newMockRepo()
	repo.saveErr = errors.New("db down")
	repo.listErr = errors.New("db down")
	f.svc.SetArchive(repo, nil)
	ctx := context.Background()

	sess := f.start(t)
	if _, _, err := f.svc.AddSymptom(ctx, f.patient, sess.ID, "fever"); err != nil {
		t.Fatalf("archive failure leaked: %v", err)
	}
	if _, _, err := f.svc.Finalize(ctx, f.patient, sess.ID); err != nil {
		t.Fatalf("archive failure leaked: %v", err)
	}

	items, total, err := f.svc.History(ctx, f.patient, HistoryFilter{}, 10, 0)
	if err != nil {
		t.Fatalf("history should fall back to live store: %v", err)
	}
	if total != 1 || items[0].ID != sess.ID {
		t.Errorf("unexpected fallback history %v", items)
	}
}

func TestService_PublishFailureIgnored(t *testing.T) {
	f := newServiceFixture(t)
	f.events.err = errors.New("nats unavailable")
	sess := f.start(t)
	if _, _, err := f.svc.Finalize(context.Background(), f.patient, sess.ID); err != nil {
		t.Errorf("publish failure leaked: %v", err)
	}
}

func TestService_Sweep(t *testing.T) {
	f := newServiceFixture(t)
	repo := newMockRepo()
	f.svc.SetArchive(repo, nil)
	ctx := context.Background()

	f.start(t)
	f.clock.Advance(45 * time.Minute)
	live := f.start(t)

	if n := f.svc.Sweep(ctx); n != 1 {
		t.Errorf("expected 1 expired, got %d", n)
	}
	if _, err := f.svc.Get(ctx, f.patient, live.ID); err != nil {
		t.Errorf("fresh session should survive sweep: %v", err)
	}
	if len(repo.cutoffs) != 1 || !repo.cutoffs[0].Equal(f.clock.Now().Add(-30*time.Minute)) {
		t.Errorf("unexpected archive cutoffs %v", repo.cutoffs)
	}
	if len(f.events.events) != 1 || !f.events.events[0].Expired {
		t.Errorf("expected expired event, got %+v", f.events.events)
	}
}

func TestService_RunSweeperStops(t *testing.T) {
	f := newServiceFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.svc.RunSweeper(ctx, 10*time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}
