package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"microapp-engine/internal/auth"
	"microapp-engine/internal/conversation"
	"microapp-engine/internal/domain"
	"microapp-engine/internal/resolve"
)

const (
	maxFileFetches   = 4
	reauthMessage    = "Your session has expired. Please sign in again."
	fallbackMessage  = "The run could not be completed. Please try again."
	fileContextBreak = "\n\n"
)

// Submitter is the backend surface the engine calls.
type Submitter interface {
	SubmitRun(ctx context.Context, req domain.RunRequest, authenticated bool) (domain.RunResponse, error)
	PatchRun(ctx context.Context, patch domain.RunPatch, authenticated bool) error
	FetchFile(ctx context.Context, fileURL string, authenticated bool) (string, error)
}

// RunStore is the conversation state the engine mutates. *conversation.Store
// satisfies it.
type RunStore interface {
	StartRun(ctx context.Context, key, microappID string, run domain.Run) (domain.Run, error)
	AppendMessage(ctx context.Context, key, runID string, role domain.Role, text string) (domain.Run, error)
	CompleteRun(ctx context.Context, key, runID string, res domain.RunResult) (domain.Run, error)
	FailRun(ctx context.Context, key, runID, msg string) (domain.Run, error)
	AddCost(ctx context.Context, key string, delta float64, onCost conversation.CostSync) (domain.Run, error)
	Conversation(ctx context.Context, key string) (domain.Conversation, error)
	Latest(ctx context.Context, key string) (domain.Run, error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

type userMessager interface {
	UserMessage() string
}

type RunService struct {
	backend     Submitter
	store       RunStore
	roles       auth.RoleFetcher
	costPerChar float64
	now         func() time.Time
}

type SubmitInput struct {
	ConversationKey string
	Microapp        domain.Microapp
	PhaseIndex      int
	Answers         domain.Answers
	UserID          string
	Images          []domain.ImageAttachment
	Files           []domain.FileAttachment
}

type SubmitOutput struct {
	ConversationKey string
	Run             domain.Run
	// Response is the assistant text, or the fixed response when the phase
	// short-circuits.
	Response  string
	Cancelled bool
}

type AccrueInput struct {
	ConversationKey string
	Characters      int
	UserID          string
}

func NewRunService(backend Submitter, store RunStore, roles auth.RoleFetcher, costPerChar float64) (*RunService, error) {
	if backend == nil {
		return nil, errors.New("usecase: backend must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: run store must not be nil")
	}
	if costPerChar < 0 {
		return nil, errors.New("usecase: speech cost per character must not be negative")
	}
	return &RunService{
		backend:     backend,
		store:       store,
		roles:       roles,
		costPerChar: costPerChar,
		now:         time.Now,
	}, nil
}

// Submit runs one attempt of a phase. Every attempt that is not cancelled
// ends with the Run completed or failed. A failed attempt returns the output
// together with an *Error.
func (s *RunService) Submit(ctx context.Context, in SubmitInput) (SubmitOutput, error) {
	if in.PhaseIndex < 0 || in.PhaseIndex >= len(in.Microapp.Phases) {
		return SubmitOutput{}, newError(ErrorInvalidInput, "phase_out_of_range", nil)
	}
	phase := in.Microapp.Phases[in.PhaseIndex]
	answers := in.Answers
	if answers == nil {
		answers = domain.Answers{}
	}

	elements := resolve.VisibleElements(phase.Elements, in.Microapp, answers)
	if missing := missingRequired(elements, answers); len(missing) > 0 {
		return SubmitOutput{}, newError(ErrorInvalidInput, "missing_required_answer",
			fmt.Errorf("unanswered: %s", strings.Join(missing, ", ")))
	}

	groups := resolve.GroupByType(resolve.VisiblePrompts(phase.Prompts, in.Microapp, answers))
	prompt := resolve.Combine(groups.Prompt, answers)
	instructions := resolve.Combine(groups.AIInstructions, answers)
	fixed := resolve.Combine(groups.FixedResponse, answers)
	if fixed == "" && prompt == "" && instructions == "" && len(in.Files) == 0 && len(in.Images) == 0 {
		return SubmitOutput{}, newError(ErrorInvalidInput, "empty_prompt", nil)
	}

	key := strings.TrimSpace(in.ConversationKey)
	sessionID := ""
	if key == "" {
		key = newUUID()
	} else {
		conv, err := s.store.Conversation(ctx, key)
		switch {
		case err == nil:
			sessionID = conv.SessionID()
		case !errors.Is(err, conversation.ErrNotFound):
			return SubmitOutput{}, newError(ErrorInternal, "store_read_error", err)
		}
	}

	run, err := s.store.StartRun(ctx, key, in.Microapp.ID, domain.NewRun(newUUID(), in.Microapp.AI.Model, s.now()))
	if err != nil {
		return SubmitOutput{}, newError(ErrorInternal, "store_write_error", err)
	}
	out := SubmitOutput{ConversationKey: key, Run: run}

	if fixed != "" {
		return s.shortCircuit(ctx, out, fixed)
	}

	if instructions != "" {
		if out.Run, err = s.store.AppendMessage(ctx, key, run.ID, domain.RoleInstruction, instructions); err != nil {
			return out, newError(ErrorInternal, "store_write_error", err)
		}
	}
	if prompt != "" {
		if out.Run, err = s.store.AppendMessage(ctx, key, run.ID, domain.RoleUser, prompt); err != nil {
			return out, newError(ErrorInternal, "store_write_error", err)
		}
	}

	authenticated := strings.TrimSpace(in.UserID) != ""
	fileContext, err := s.fileContext(ctx, in.Files, authenticated)
	if err != nil {
		return s.fail(ctx, out, err)
	}

	res, err := s.backend.SubmitRun(ctx, domain.RunRequest{
		MicroappID:     in.Microapp.ID,
		PhaseIndex:     in.PhaseIndex,
		Prompt:         prompt,
		AIInstructions: instructions,
		Model:          in.Microapp.AI.Model,
		Temperature:    in.Microapp.AI.Temperature,
		MaxTokens:      in.Microapp.AI.MaxTokens,
		SystemPrompt:   in.Microapp.AI.SystemPrompt,
		ScoringRubric:  phase.Scoring.Rubric,
		MinScore:       phase.Scoring.MinScore,
		FileContext:    fileContext,
		Images:         in.Images,
		SessionID:      sessionID,
		UserID:         strings.TrimSpace(in.UserID),
	}, authenticated)
	if err != nil {
		return s.fail(ctx, out, err)
	}

	out.Run, err = s.store.CompleteRun(ctx, key, run.ID, domain.RunResult{
		Response:     res.Response,
		Cost:         res.Cost,
		Credits:      res.Credits,
		SessionID:    res.SessionID,
		RemoteID:     res.RunUUID,
		Passed:       res.RunPassed,
		Score:        res.RunScore,
		NoSubmission: res.NoSubmission,
	})
	if err != nil {
		return out, newError(ErrorInternal, "store_write_error", err)
	}
	out.Response = res.Response
	return out, nil
}

func (s *RunService) shortCircuit(ctx context.Context, out SubmitOutput, fixed string) (SubmitOutput, error) {
	var err error
	if out.Run, err = s.store.AppendMessage(ctx, out.ConversationKey, out.Run.ID, domain.RoleFixedResponse, fixed); err != nil {
		return out, newError(ErrorInternal, "store_write_error", err)
	}
	if out.Run, err = s.store.CompleteRun(ctx, out.ConversationKey, out.Run.ID, domain.RunResult{}); err != nil {
		return out, newError(ErrorInternal, "store_write_error", err)
	}
	out.Response = fixed
	return out, nil
}

// fail records a failed attempt. Cancellation is not a failure: the Run is
// left pending and no error is returned.
func (s *RunService) fail(ctx context.Context, out SubmitOutput, cause error) (SubmitOutput, error) {
	if errors.Is(cause, context.Canceled) || ctx.Err() != nil {
		slog.Info("usecase: run abandoned", "conversation", out.ConversationKey, "run", out.Run.ID)
		out.Cancelled = true
		return out, nil
	}

	msg := failureMessage(cause)
	slog.Warn("usecase: run failed", "conversation", out.ConversationKey, "run", out.Run.ID, "err", cause)

	run, err := s.store.FailRun(ctx, out.ConversationKey, out.Run.ID, msg)
	if err != nil {
		return out, newError(ErrorInternal, "store_write_error", errors.Join(cause, err))
	}
	out.Run = run
	return out, newError(failureCode(cause), "run_failed", cause)
}

// fileContext fetches attachments concurrently and joins them in attachment
// order, each under a header naming the file.
func (s *RunService) fileContext(ctx context.Context, files []domain.FileAttachment, authenticated bool) (string, error) {
	if len(files) == 0 {
		return "", nil
	}
	texts := make([]string, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxFileFetches)
	for i, f := range files {
		g.Go(func() error {
			text, err := s.backend.FetchFile(gctx, f.URL, authenticated)
			if err != nil {
				return fmt.Errorf("usecase: fetch file %q: %w", f.Name, err)
			}
			texts[i] = text
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	parts := make([]string, 0, len(files))
	for i, f := range files {
		text := strings.TrimSpace(texts[i])
		if text == "" {
			continue
		}
		name := f.Name
		if name == "" {
			name = fmt.Sprintf("file %d", i+1)
		}
		parts = append(parts, "--- "+name+" ---\n"+text)
	}
	return strings.Join(parts, fileContextBreak), nil
}

// AccrueSpeechCost adds characters × the per-character rate to the latest Run
// of the conversation. The backend copy is patched with the new total while
// the conversation is locked, then the store commits it.
func (s *RunService) AccrueSpeechCost(ctx context.Context, in AccrueInput) (domain.Run, error) {
	if in.Characters <= 0 {
		return domain.Run{}, newError(ErrorInvalidInput, "invalid_character_count", nil)
	}
	key := strings.TrimSpace(in.ConversationKey)
	if key == "" {
		return domain.Run{}, newError(ErrorInvalidInput, "missing_conversation_key", nil)
	}

	delta := float64(in.Characters) * s.costPerChar
	authenticated := strings.TrimSpace(in.UserID) != ""
	var patchErr error
	run, err := s.store.AddCost(ctx, key, delta, func(ctx context.Context, next domain.Run) error {
		if next.RemoteID == "" {
			return nil
		}
		cost := next.Cost
		patchErr = s.backend.PatchRun(ctx, domain.RunPatch{ID: next.RemoteID, Cost: &cost}, authenticated)
		return patchErr
	})
	switch {
	case err == nil:
		return run, nil
	case patchErr != nil:
		return domain.Run{}, newError(failureCode(patchErr), "run_patch_failed", patchErr)
	case errors.Is(err, domain.ErrRunPending):
		return domain.Run{}, newError(ErrorConflict, "run_pending", err)
	case errors.Is(err, conversation.ErrNotFound), errors.Is(err, conversation.ErrRunNotFound):
		return domain.Run{}, storeReadError(err)
	default:
		return domain.Run{}, newError(ErrorInternal, "store_write_error", err)
	}
}

// Conversation returns the conversation for the UI layer.
func (s *RunService) Conversation(ctx context.Context, key string) (domain.Conversation, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.Conversation{}, newError(ErrorInvalidInput, "missing_conversation_key", nil)
	}
	conv, err := s.store.Conversation(ctx, key)
	if err != nil {
		return domain.Conversation{}, storeReadError(err)
	}
	return conv, nil
}

// Access reports whether userID owns or administers the microapp.
func (s *RunService) Access(ctx context.Context, microappID, userID string) (auth.Access, error) {
	if s.roles == nil {
		return auth.Access{}, newError(ErrorInternal, "roles_unavailable", nil)
	}
	access, err := auth.ResolveAccess(ctx, s.roles, microappID, userID)
	if err != nil {
		return auth.Access{}, newError(failureCode(err), "role_check_failed", err)
	}
	return access, nil
}

func missingRequired(elements []domain.Element, answers domain.Answers) []string {
	var missing []string
	for _, e := range elements {
		if !e.Required || e.Type == domain.ElementFile || e.Type == domain.ElementImage {
			continue
		}
		if a, ok := answers[e.Name]; !ok || a.Value.Empty() {
			missing = append(missing, e.Name)
		}
	}
	return missing
}

func storeReadError(err error) error {
	if errors.Is(err, conversation.ErrNotFound) || errors.Is(err, conversation.ErrRunNotFound) {
		return newError(ErrorNotFound, "conversation_not_found", err)
	}
	return newError(ErrorInternal, "store_read_error", err)
}

// failureMessage is the single string stored on a failed Run.
func failureMessage(err error) string {
	if errors.Is(err, auth.ErrReauthRequired) {
		return reauthMessage
	}
	var um userMessager
	if errors.As(err, &um) {
		if msg := strings.TrimSpace(um.UserMessage()); msg != "" {
			return msg
		}
	}
	return fallbackMessage
}

func failureCode(err error) ErrorCode {
	if errors.Is(err, auth.ErrReauthRequired) {
		return ErrorUnauthorized
	}
	switch status, _ := upstreamStatusCode(err); status {
	case http.StatusTooManyRequests:
		return ErrorRateLimited
	case http.StatusUnauthorized:
		return ErrorUnauthorized
	}
	return ErrorUpstream
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

var newUUID = func() string {
	return uuid.NewString()
}
