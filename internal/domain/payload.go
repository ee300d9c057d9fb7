package domain

// ImageAttachment is an uploaded image forwarded with a run.
type ImageAttachment struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type,omitempty"`
}

// FileAttachment is an uploaded document whose text is added to the run context.
type FileAttachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// RunRequest is the payload of POST /run and POST /run/anonymous.
type RunRequest struct {
	MicroappID     string            `json:"microapp_id"`
	PhaseIndex     int               `json:"phase_index"`
	Prompt         string            `json:"prompt"`
	AIInstructions string            `json:"ai_instructions,omitempty"`
	Model          string            `json:"model,omitempty"`
	Temperature    *float64          `json:"temperature,omitempty"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	SystemPrompt   string            `json:"system_prompt,omitempty"`
	ScoringRubric  string            `json:"scoring_rubric,omitempty"`
	MinScore       *float64          `json:"min_score,omitempty"`
	FileContext    string            `json:"file_context,omitempty"`
	Images         []ImageAttachment `json:"images,omitempty"`
	SessionID      string            `json:"session_id,omitempty"`
	UserID         string            `json:"user_id,omitempty"`
}

// RunResponse is the success body of the run endpoints.
type RunResponse struct {
	Response     string   `json:"response"`
	RunPassed    *bool    `json:"run_passed"`
	RunScore     *float64 `json:"run_score"`
	NoSubmission bool     `json:"no_submission"`
	Cost         float64  `json:"cost"`
	Credits      float64  `json:"credits"`
	SessionID    string   `json:"session_id"`
	RunUUID      string   `json:"run_uuid,omitempty"`
}

// RunPatch is the partial update sent with PATCH /run.
type RunPatch struct {
	ID   string   `json:"id"`
	Cost *float64 `json:"cost,omitempty"`
}
