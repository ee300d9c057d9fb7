package domain

import (
	"errors"
	"fmt"
	"time"
)

// RunStatus is the lifecycle state of one submission attempt.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether no further status transition is allowed.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// Role is the author of a conversation message.
type Role string

const (
	RoleUser          Role = "user"
	RoleAssistant     Role = "assistant"
	RoleInstruction   Role = "instruction"
	RoleFixedResponse Role = "fixed_response"
)

var (
	ErrRunNotPending = errors.New("domain: run is not pending")
	ErrRunPending    = errors.New("domain: run is still pending")
	ErrNegativeCost  = errors.New("domain: cost adjustment must not be negative")
)

// Message is a single conversation turn.
type Message struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// RunResult is what a completed attempt records.
type RunResult struct {
	Response     string
	Cost         float64
	Credits      float64
	SessionID    string
	RemoteID     string
	Passed       *bool
	Score        *float64
	NoSubmission bool
}

// Run is one submission attempt within a conversation.
type Run struct {
	ID           string    `json:"id"`
	RemoteID     string    `json:"remoteId,omitempty"`
	Status       RunStatus `json:"status"`
	AIModel      string    `json:"aiModel,omitempty"`
	Cost         float64   `json:"cost"`
	Credits      float64   `json:"credits"`
	SessionID    string    `json:"sessionId,omitempty"`
	Passed       *bool     `json:"passed,omitempty"`
	Score        *float64  `json:"score,omitempty"`
	NoSubmission bool      `json:"noSubmission,omitempty"`
	Error        string    `json:"error,omitempty"`
	Messages     []Message `json:"messages"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// NewRun returns a pending run.
func NewRun(id, model string, at time.Time) Run {
	return Run{
		ID:        id,
		Status:    RunPending,
		AIModel:   model,
		Messages:  []Message{},
		CreatedAt: at,
		UpdatedAt: at,
	}
}

// AppendMessage adds a turn to the run. Messages are append-only.
func (r *Run) AppendMessage(role Role, text string, at time.Time) {
	r.Messages = append(r.Messages, Message{Role: role, Text: text, Timestamp: at})
	r.UpdatedAt = at
}

// Complete moves a pending run to completed.
func (r *Run) Complete(res RunResult, at time.Time) error {
	if r.Status != RunPending {
		return fmt.Errorf("complete run %s in status %s: %w", r.ID, r.Status, ErrRunNotPending)
	}
	r.Status = RunCompleted
	r.Cost = res.Cost
	r.Credits = res.Credits
	r.Passed = res.Passed
	r.Score = res.Score
	r.NoSubmission = res.NoSubmission
	if res.SessionID != "" {
		r.SessionID = res.SessionID
	}
	if res.RemoteID != "" {
		r.RemoteID = res.RemoteID
	}
	r.UpdatedAt = at
	return nil
}

// Fail moves a pending run to failed.
func (r *Run) Fail(msg string, at time.Time) error {
	if r.Status != RunPending {
		return fmt.Errorf("fail run %s in status %s: %w", r.ID, r.Status, ErrRunNotPending)
	}
	r.Status = RunFailed
	r.Error = msg
	r.UpdatedAt = at
	return nil
}

// AddCost accrues a secondary charge. Only terminal runs accept it and the
// status is left as is.
func (r *Run) AddCost(delta float64, at time.Time) error {
	if delta < 0 {
		return ErrNegativeCost
	}
	if !r.Status.Terminal() {
		return fmt.Errorf("add cost to run %s: %w", r.ID, ErrRunPending)
	}
	r.Cost += delta
	r.UpdatedAt = at
	return nil
}

// Clone returns a deep copy.
func (r Run) Clone() Run {
	out := r
	out.Messages = append([]Message{}, r.Messages...)
	if r.Passed != nil {
		v := *r.Passed
		out.Passed = &v
	}
	if r.Score != nil {
		v := *r.Score
		out.Score = &v
	}
	return out
}

// Conversation is the ordered history of runs for one session of one microapp.
type Conversation struct {
	ID         string    `json:"id"`
	MicroappID string    `json:"microappId,omitempty"`
	Runs       []Run     `json:"runs"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Latest returns the most recent run.
func (c Conversation) Latest() (Run, bool) {
	if len(c.Runs) == 0 {
		return Run{}, false
	}
	return c.Runs[len(c.Runs)-1], true
}

// SessionID returns the backend session of the most recent run that has one.
func (c Conversation) SessionID() string {
	for i := len(c.Runs) - 1; i >= 0; i-- {
		if c.Runs[i].SessionID != "" {
			return c.Runs[i].SessionID
		}
	}
	return ""
}

// Messages flattens the messages of every run in turn order.
func (c Conversation) Messages() []Message {
	var out []Message
	for _, r := range c.Runs {
		out = append(out, r.Messages...)
	}
	return out
}

// Clone returns a deep copy.
func (c Conversation) Clone() Conversation {
	out := c
	out.Runs = make([]Run, len(c.Runs))
	for i, r := range c.Runs {
		out.Runs[i] = r.Clone()
	}
	return out
}
