package model

import "time"

type Status string

const (
	StatusActive Status = "active"
	// StatusEnding marks a session whose artifact cleanup started but has not
	// completed. The record stays in the backend until every tracked file is gone.
	StatusEnding Status = "ending"
)

// Session is the protected conversational state for one user interaction.
type Session struct {
	ID                     string             `json:"session_id"`
	Status                 Status             `json:"status"`
	CreatedAt              time.Time          `json:"created_at"`
	LastActivityAt         time.Time          `json:"last_activity_at"`
	Language               string             `json:"language"`
	Turns                  []ConversationTurn `json:"conversation_history"`
	UserContext            UserContext        `json:"user_context"`
	DisclaimerAcknowledged bool               `json:"disclaimer_acknowledged"`
	TempFiles              []TrackedFile      `json:"temp_files,omitempty"`
}

// ConversationTurn is a single exchange between the user and the system.
type ConversationTurn struct {
	Timestamp       time.Time      `json:"timestamp"`
	UserInput       string         `json:"user_input"`
	Response        SystemResponse `json:"system_response"`
	Confidence      float64        `json:"confidence"`
	DisclaimerShown bool           `json:"disclaimer_shown"`
}

type SystemResponse struct {
	Text               string   `json:"text"`
	RequiresDisclaimer bool     `json:"requires_disclaimer"`
	FollowUpQuestions  []string `json:"follow_up_questions,omitempty"`
}

// UserContext carries the subset of user facts that downstream
// jurisdiction and eligibility logic needs.
type UserContext struct {
	Location          *Location `json:"location,omitempty"`
	PreferredLanguage string    `json:"preferred_language,omitempty"`
	LegalIssueType    string    `json:"legal_issue_type,omitempty"`
	UrgencyLevel      string    `json:"urgency_level,omitempty"`
	HasMinorChildren  *bool     `json:"has_minor_children,omitempty"`
	HouseholdIncome   string    `json:"household_income,omitempty"`
}

type Location struct {
	State       string       `json:"state"`
	County      string       `json:"county,omitempty"`
	ZipCode     string       `json:"zip_code,omitempty"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
}

type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// TrackedFile is a temporary artifact owned by a session that must be
// securely deleted when the session ends.
type TrackedFile struct {
	Path      string    `json:"path"`
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a deep copy so callers never share slices or pointers with
// stored state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.Turns != nil {
		c.Turns = make([]ConversationTurn, len(s.Turns))
		for i, t := range s.Turns {
			c.Turns[i] = t.Clone()
		}
	}
	c.UserContext = s.UserContext.Clone()
	if s.TempFiles != nil {
		c.TempFiles = append([]TrackedFile(nil), s.TempFiles...)
	}
	return &c
}

func (t ConversationTurn) Clone() ConversationTurn {
	if t.Response.FollowUpQuestions != nil {
		t.Response.FollowUpQuestions = append([]string(nil), t.Response.FollowUpQuestions...)
	}
	return t
}

func (u UserContext) Clone() UserContext {
	if u.Location != nil {
		loc := *u.Location
		if loc.Coordinates != nil {
			coords := *loc.Coordinates
			loc.Coordinates = &coords
		}
		u.Location = &loc
	}
	if u.HasMinorChildren != nil {
		v := *u.HasMinorChildren
		u.HasMinorChildren = &v
	}
	return u
}

// Tracks reports whether path is a temporary file owned by this session.
func (s *Session) Tracks(path string) bool {
	for _, f := range s.TempFiles {
		if f.Path == path {
			return true
		}
	}
	return false
}

// Untrack removes path from the tracked file list.
func (s *Session) Untrack(path string) {
	out := s.TempFiles[:0]
	for _, f := range s.TempFiles {
		if f.Path != path {
			out = append(out, f)
		}
	}
	s.TempFiles = out
}
