package session

import (
	"fmt"
	"time"

	"github.com/antoniostano/sessionvault/internal/model"
	"github.com/antoniostano/sessionvault/internal/pii"
)

// CreateRequest defines the initial state of a new session.
type CreateRequest struct {
	Language    string            `json:"language"`
	UserContext model.UserContext `json:"user_context"`
}

// Patch is a partial update. Nil fields are left alone; UserContext merges
// only its non-zero fields; AppendTurns are added in order.
type Patch struct {
	Language               *string                  `json:"language,omitempty"`
	DisclaimerAcknowledged *bool                    `json:"disclaimer_acknowledged,omitempty"`
	UserContext            *model.UserContext       `json:"user_context,omitempty"`
	AppendTurns            []model.ConversationTurn `json:"append_turns,omitempty"`
}

func (p Patch) validate() error {
	if p.Language != nil && *p.Language == "" {
		return fmt.Errorf("%w: language must not be empty", ErrInvalidPatch)
	}
	for i, turn := range p.AppendTurns {
		if turn.Confidence < 0 || turn.Confidence > 1 {
			return fmt.Errorf("%w: turn %d confidence %v outside [0,1]", ErrInvalidPatch, i, turn.Confidence)
		}
	}
	return nil
}

// PrivacyReport summarizes the protection state of one session.
type PrivacyReport struct {
	SessionID            string         `json:"session_id"`
	Status               model.Status   `json:"status"`
	DataEncrypted        bool           `json:"data_encrypted"`
	PIIAnonymized        bool           `json:"pii_anonymized"`
	AnonymizedByCategory map[string]int `json:"anonymized_by_category"`
	AnonymizedTotal      int            `json:"anonymized_total"`
	TotalTurns           int            `json:"total_turns"`
	TempFilesTracked     int            `json:"temp_files_tracked"`
	TempFilesOutstanding int            `json:"temp_files_outstanding"`
	SessionDuration      time.Duration  `json:"session_duration_ns"`
	KeyFingerprint       string         `json:"key_fingerprint"`
}

func placeholderCounts(s *model.Session) pii.Counts {
	counts := pii.Counts{}
	for _, turn := range s.Turns {
		counts.Add(pii.CountPlaceholders(turn.UserInput))
		counts.Add(pii.CountPlaceholders(turn.Response.Text))
		for _, q := range turn.Response.FollowUpQuestions {
			counts.Add(pii.CountPlaceholders(q))
		}
	}
	return counts
}

func mergeUserContext(dst *model.UserContext, src model.UserContext) {
	if src.Location != nil {
		dst.Location = src.Clone().Location
	}
	if src.PreferredLanguage != "" {
		dst.PreferredLanguage = src.PreferredLanguage
	}
	if src.LegalIssueType != "" {
		dst.LegalIssueType = src.LegalIssueType
	}
	if src.UrgencyLevel != "" {
		dst.UrgencyLevel = src.UrgencyLevel
	}
	if src.HasMinorChildren != nil {
		v := *src.HasMinorChildren
		dst.HasMinorChildren = &v
	}
	if src.HouseholdIncome != "" {
		dst.HouseholdIncome = src.HouseholdIncome
	}
}
