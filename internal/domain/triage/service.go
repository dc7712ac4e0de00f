package triage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/triage/internal/domain/symptom"
	"github.com/ehr/triage/internal/platform/resilience"
)

const (
	ReasonFinalized = "finalized"
	ReasonExpired   = "expired"

	backgroundTimeout = 5 * time.Second
)

// Recorder receives triage counters. A nil Recorder disables metrics.
type Recorder interface {
	SessionStarted()
	SessionCompleted(riskLevel, reason string)
	MessageClassified(riskHint string)
	SymptomAdded()
}

// Publisher delivers domain events to interested consumers.
type Publisher interface {
	Publish(ctx context.Context, event any) error
}

// CompletedEvent is published when a session is finalized or expires.
type CompletedEvent struct {
	SessionID   uuid.UUID `json:"session_id"`
	PatientID   uuid.UUID `json:"patient_id"`
	RiskLevel   RiskLevel `json:"risk_level"`
	Advisory    string    `json:"advisory,omitempty"`
	RedFlags    []string  `json:"red_flags"`
	Expired     bool      `json:"expired"`
	CompletedAt time.Time `json:"completed_at"`
}

// MessageReply is the assistant's answer to one patient chat turn.
type MessageReply struct {
	SessionID uuid.UUID `json:"session_id"`
	Reply     string    `json:"reply"`
	RiskHint  RiskLevel `json:"risk_hint"`
}

type Service struct {
	store      *Store
	catalog    *symptom.Catalog
	classifier *Classifier
	logger     zerolog.Logger

	archive Repository
	exec    *resilience.Executor
	events  Publisher
	metrics Recorder
}

func NewService(store *Store, catalog *symptom.Catalog, logger zerolog.Logger) *Service {
	s := &Service{
		store:      store,
		catalog:    catalog,
		classifier: NewClassifier(catalog),
		logger:     logger.With().Str("component", "triage").Logger(),
	}
	store.OnExpire(s.handleExpired)
	return s
}

// SetArchive enables write-through persistence. exec may be nil, in which
// case archive calls are made directly.
func (s *Service) SetArchive(repo Repository, exec *resilience.Executor) {
	s.archive = repo
	s.exec = exec
}

func (s *Service) SetPublisher(p Publisher) { s.events = p }

func (s *Service) SetRecorder(r Recorder) { s.metrics = r }

func (s *Service) Catalog() *symptom.Catalog { return s.catalog }

// Start opens a new ACTIVE session for the patient.
func (s *Service) Start(ctx context.Context, patientID uuid.UUID) (*Session, error) {
	if patientID == uuid.Nil {
		return nil, fmt.Errorf("patient_id is required: %w", ErrInvalidReference)
	}
	sess, err := s.store.Create(patientID)
	if err != nil {
		s.logger.Error().Err(err).Str("patient_id", patientID.String()).Msg("session id generation failed")
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.SessionStarted()
	}
	s.logger.Info().
		Str("session_id", sess.ID.String()).
		Str("patient_id", patientID.String()).
		Msg("triage session started")
	s.save(ctx, sess)
	return sess, nil
}

// mutate applies fn to a session owned by patientID. Sessions owned by
// someone else are reported as not found.
func (s *Service) mutate(patientID, sessionID uuid.UUID, fn func(*Session) error) (*Session, error) {
	return s.store.Update(sessionID, func(sess *Session) error {
		if sess.PatientID != patientID {
			return ErrSessionNotFound
		}
		return fn(sess)
	})
}

// Get returns a live session owned by patientID.
func (s *Service) Get(_ context.Context, patientID, sessionID uuid.UUID) (*Session, error) {
	sess, err := s.store.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.PatientID != patientID {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// AddSymptom records a catalog symptom on an ACTIVE session. Re-adding a
// symptom already present is a no-op; added reports whether anything changed.
func (s *Service) AddSymptom(ctx context.Context, patientID, sessionID uuid.UUID, symptomID string) (sess *Session, added bool, err error) {
	sess, err = s.mutate(patientID, sessionID, func(sess *Session) error {
		if sess.State == StateCompleted {
			return ErrSessionCompleted
		}
		def, err := s.catalog.FindByID(symptomID)
		if err != nil {
			return fmt.Errorf("%s: %w", symptomID, ErrUnknownSymptom)
		}
		if sess.hasSymptom(def.ID) {
			return nil
		}
		sess.SymptomsReported = append(sess.SymptomsReported, def.ID)
		sess.Transcript = append(sess.Transcript, TranscriptEntry{
			Speaker:   SpeakerSystem,
			Message:   "Symptom reported: " + def.Name,
			Timestamp: s.store.now(),
		})
		added = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if added {
		if s.metrics != nil {
			s.metrics.SymptomAdded()
		}
		s.logger.Debug().
			Str("session_id", sessionID.String()).
			Str("symptom_id", symptomID).
			Msg("symptom added")
		s.save(ctx, sess)
	}
	return sess, added, nil
}

// AddMessage appends a patient turn and the assistant's follow-up. The risk
// hint is a preview and never changes the session's stored risk level.
func (s *Service) AddMessage(ctx context.Context, patientID, sessionID uuid.UUID, text string) (*MessageReply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("message is required: %w", ErrInvalidInput)
	}

	var preview ClassificationResult
	sess, err := s.mutate(patientID, sessionID, func(sess *Session) error {
		if sess.State == StateCompleted {
			return ErrSessionCompleted
		}
		now := s.store.now()
		sess.Transcript = append(sess.Transcript, TranscriptEntry{
			Speaker:   SpeakerPatient,
			Message:   text,
			Timestamp: now,
		})
		preview = s.classifier.Classify(sess.SymptomsReported, sess.patientText())
		sess.Transcript = append(sess.Transcript, TranscriptEntry{
			Speaker:   SpeakerAssistant,
			Message:   reply(preview),
			Timestamp: now,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.MessageClassified(string(preview.RiskLevel))
	}
	s.save(ctx, sess)
	return &MessageReply{
		SessionID: sessionID,
		Reply:     sess.Transcript[len(sess.Transcript)-1].Message,
		RiskHint:  preview.RiskLevel,
	}, nil
}

// Finalize classifies the whole session and completes it. Calling it again
// returns the stored result unchanged.
func (s *Service) Finalize(ctx context.Context, patientID, sessionID uuid.UUID) (ClassificationResult, *Session, error) {
	transitioned := false
	sess, err := s.mutate(patientID, sessionID, func(sess *Session) error {
		if sess.State == StateCompleted {
			return nil
		}
		result := s.classifier.Classify(sess.SymptomsReported, sess.patientText())
		sess.complete(result, s.store.now(), false)
		transitioned = true
		return nil
	})
	if err != nil {
		return ClassificationResult{}, nil, err
	}
	if sess.Result == nil {
		return ClassificationResult{}, nil, ErrSessionNotFound
	}

	if transitioned {
		s.logger.Info().
			Str("session_id", sess.ID.String()).
			Str("patient_id", sess.PatientID.String()).
			Str("risk_level", string(sess.RiskLevel)).
			Float64("risk_score", sess.Result.RiskScore).
			Msg("triage session finalized")
		s.completed(ctx, sess, ReasonFinalized)
	}
	return sess.Result.clone(), sess, nil
}

// History lists the patient's sessions, most recent first, including
// sessions that expired. The archive is used when configured; on archive
// failure the live store answers instead.
func (s *Service) History(ctx context.Context, patientID uuid.UUID, filter HistoryFilter, limit, offset int) ([]*Session, int, error) {
	if patientID == uuid.Nil {
		return nil, 0, fmt.Errorf("patient_id is required: %w", ErrInvalidReference)
	}
	if filter.RiskLevel != "" && !filter.RiskLevel.Valid() {
		return nil, 0, fmt.Errorf("risk_level %q: %w", filter.RiskLevel, ErrInvalidInput)
	}
	if filter.State != "" && filter.State != StateActive && filter.State != StateCompleted {
		return nil, 0, fmt.Errorf("state %q: %w", filter.State, ErrInvalidInput)
	}

	if s.archive != nil {
		items, total, err := s.archive.ListByPatient(ctx, patientID, filter, limit, offset)
		if err == nil {
			return items, total, nil
		}
		s.logger.Warn().Err(err).Str("patient_id", patientID.String()).Msg("archive history read failed, using live store")
	}
	items, total := s.store.ListByPatient(patientID, filter, limit, offset)
	return items, total, nil
}

// RunSweeper expires idle sessions every interval until ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", interval).Dur("ttl", s.store.TTL()).Msg("session sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("session sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one expiry pass over the live store and the archive.
func (s *Service) Sweep(ctx context.Context) int {
	now := s.store.now()
	expired := s.store.Sweep(now)
	if s.archive != nil {
		cutoff := now.Add(-s.store.TTL())
		var n int64
		err := s.execArchive(ctx, "archive.expire_stale", func(ctx context.Context) error {
			var err error
			n, err = s.archive.ExpireStale(ctx, cutoff)
			return err
		})
		if err != nil {
			s.logger.Warn().Err(err).Msg("archive expiry failed")
		} else if n > 0 {
			s.logger.Info().Int64("rows", n).Msg("expired stale archived sessions")
		}
	}
	return len(expired)
}

// handleExpired runs after the store auto-finalizes an idle session.
func (s *Service) handleExpired(sess *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
	defer cancel()
	s.logger.Info().
		Str("session_id", sess.ID.String()).
		Str("patient_id", sess.PatientID.String()).
		Msg("triage session expired")
	s.completed(ctx, sess, ReasonExpired)
}

func (s *Service) completed(ctx context.Context, sess *Session, reason string) {
	if s.metrics != nil {
		s.metrics.SessionCompleted(string(sess.RiskLevel), reason)
	}
	s.save(ctx, sess)
	if s.events == nil {
		return
	}

	ev := CompletedEvent{
		SessionID: sess.ID,
		PatientID: sess.PatientID,
		RiskLevel: sess.RiskLevel,
		RedFlags:  []string{},
		Expired:   sess.Expired,
	}
	if sess.CompletedAt != nil {
		ev.CompletedAt = *sess.CompletedAt
	}
	if sess.Result != nil {
		ev.Advisory = sess.Result.Advisory
		ev.RedFlags = append(ev.RedFlags, sess.Result.RedFlags...)
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("session_id", sess.ID.String()).Msg("publish completed event failed")
	}
}

// save writes sess through to the archive. Failures are logged only; the
// live store is authoritative.
func (s *Service) save(ctx context.Context, sess *Session) {
	if s.archive == nil {
		return
	}
	err := s.execArchive(ctx, "archive.save", func(ctx context.Context) error {
		return s.archive.Save(ctx, sess)
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", sess.ID.String()).Msg("archive save failed")
	}
}

func (s *Service) execArchive(ctx context.Context, op string, fn func(context.Context) error) error {
	if s.exec == nil {
		return fn(ctx)
	}
	return s.exec.Execute(ctx, op, fn, classifyArchiveError)
}
