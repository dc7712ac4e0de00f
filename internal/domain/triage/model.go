package triage

import (
	"time"

	"github.com/google/uuid"
)

type RiskLevel string

const (
	RiskUnknown RiskLevel = "unknown"
	RiskLow     RiskLevel = "low"
	RiskMedium  RiskLevel = "medium"
	RiskHigh    RiskLevel = "high"
)

func (r RiskLevel) rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	default:
		return 0
	}
}

// Valid reports whether r is one of the known risk levels.
func (r RiskLevel) Valid() bool {
	return r == RiskUnknown || r.rank() > 0
}

type State string

const (
	StateActive    State = "ACTIVE"
	StateCompleted State = "COMPLETED"
)

type Speaker string

const (
	SpeakerPatient   Speaker = "patient"
	SpeakerAssistant Speaker = "assistant"
	SpeakerSystem    Speaker = "system"
)

type TranscriptEntry struct {
	Speaker   Speaker   `json:"speaker"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ClassificationResult is the outcome of running the risk classifier.
type ClassificationResult struct {
	RiskLevel         RiskLevel `json:"risk_level"`
	MatchedKeywords   []string  `json:"matched_keywords"`
	FollowUpQuestions []string  `json:"follow_up_questions"`
	Advisory          string    `json:"advisory,omitempty"`
	RiskScore         float64   `json:"risk_score"`
	Recommendation    string    `json:"recommendation"`
	RedFlags          []string  `json:"red_flags"`
}

func (r ClassificationResult) clone() ClassificationResult {
	out := r
	out.MatchedKeywords = append([]string{}, r.MatchedKeywords...)
	out.FollowUpQuestions = append([]string{}, r.FollowUpQuestions...)
	out.RedFlags = append([]string{}, r.RedFlags...)
	return out
}

// Session is a single triage conversation owned by one patient.
//
// RiskLevel stays unknown while the session is ACTIVE. Once COMPLETED,
// SymptomsReported and Transcript no longer change. Version increases with
// every applied change, so copies taken from the store are totally ordered.
type Session struct {
	ID               uuid.UUID             `json:"session_id"`
	PatientID        uuid.UUID             `json:"patient_id"`
	SymptomsReported []string              `json:"symptoms_reported"`
	Transcript       []TranscriptEntry     `json:"transcript"`
	State            State                 `json:"state"`
	RiskLevel        RiskLevel             `json:"risk_level"`
	Result           *ClassificationResult `json:"result,omitempty"`
	Expired          bool                  `json:"expired"`
	CreatedAt        time.Time             `json:"created_at"`
	LastActivityAt   time.Time             `json:"last_activity_at"`
	CompletedAt      *time.Time            `json:"completed_at,omitempty"`
	Version          int64                 `json:"version"`
}

// Clone returns a deep copy that shares no mutable state with s.
func (s *Session) Clone() *Session {
	out := *s
	out.SymptomsReported = append([]string{}, s.SymptomsReported...)
	out.Transcript = append([]TranscriptEntry{}, s.Transcript...)
	if s.Result != nil {
		r := s.Result.clone()
		out.Result = &r
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

func (s *Session) hasSymptom(id string) bool {
	for _, existing := range s.SymptomsReported {
		if existing == id {
			return true
		}
	}
	return false
}

// patientText joins every patient message in transcript order.
func (s *Session) patientText() string {
	var text string
	for _, e := range s.Transcript {
		if e.Speaker != SpeakerPatient {
			continue
		}
		if text != "" {
			text += "\n"
		}
		text += e.Message
	}
	return text
}

func (s *Session) complete(result ClassificationResult, at time.Time, expired bool) {
	s.State = StateCompleted
	s.RiskLevel = result.RiskLevel
	s.Result = &result
	s.Expired = expired
	s.CompletedAt = &at
}

// HistoryFilter narrows a history listing. Zero values match everything.
type HistoryFilter struct {
	State     State
	RiskLevel RiskLevel
}

func (f HistoryFilter) matches(s *Session) bool {
	if f.State != "" && s.State != f.State {
		return false
	}
	if f.RiskLevel != "" && s.RiskLevel != f.RiskLevel {
		return false
	}
	return true
}
