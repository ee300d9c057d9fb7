package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"microapp-engine/internal/auth"
	"microapp-engine/internal/domain"
	"microapp-engine/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	maxRequestBody    = 1 << 20
)

type RunEngine interface {
	Submit(ctx context.Context, in usecase.SubmitInput) (usecase.SubmitOutput, error)
	AccrueSpeechCost(ctx context.Context, in usecase.AccrueInput) (domain.Run, error)
	Conversation(ctx context.Context, key string) (domain.Conversation, error)
	Access(ctx context.Context, microappID, userID string) (auth.Access, error)
}

type Handler struct {
	engine RunEngine
	router chi.Router
}

type submitRequest struct {
	ConversationKey string                   `json:"conversationKey"`
	Microapp        domain.Microapp          `json:"microapp"`
	PhaseIndex      int                      `json:"phaseIndex"`
	Answers         domain.Answers           `json:"answers"`
	UserID          string                   `json:"userId"`
	Images          []domain.ImageAttachment `json:"images"`
	Files           []domain.FileAttachment  `json:"files"`
}

type submitResponse struct {
	ConversationKey string     `json:"conversationKey"`
	Run             domain.Run `json:"run"`
	Response        string     `json:"response"`
	Cancelled       bool       `json:"cancelled,omitempty"`
}

type speechCostRequest struct {
	ConversationKey string `json:"conversationKey"`
	Characters      int    `json:"characters"`
	UserID          string `json:"userId"`
}

type runResponse struct {
	Run domain.Run `json:"run"`
}

type errorResponse struct {
	Error   string      `json:"error"`
	Reason  string      `json:"reason,omitempty"`
	Message string      `json:"message,omitempty"`
	Run     *domain.Run `json:"run,omitempty"`
}

func NewHandler(engine RunEngine) (*Handler, error) {
	if engine == nil {
		return nil, errors.New("handler: run engine must not be nil")
	}
	h := &Handler{engine: engine}

	r := chi.NewRouter()
	r.Use(chiMiddleware.Recoverer)
	r.Use(correlation)
	r.Post("/runs", h.submit)
	r.Post("/runs/speech-cost", h.speechCost)
	r.Get("/conversations/{key}", h.conversation)
	r.Get("/microapps/{id}/access", h.access)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: string(usecase.ErrorNotFound), Reason: "route_not_found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "method_not_allowed"})
	})
	h.router = r
	return h, nil
}

// Router serves the routes over plain HTTP.
func (h *Handler) Router() http.Handler {
	return h.router
}

// Handle serves an API Gateway proxy event through the same router.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	req, err := toHTTPRequest(ctx, event)
	if err != nil {
		slog.Warn("handler: malformed event", "path", event.Path, "err", err)
		return events.APIGatewayProxyResponse{
			StatusCode: http.StatusBadRequest,
			Headers:    map[string]string{"Content-Type": "application/json", correlationHeader: correlationID(event.Headers)},
			Body:       `{"error":"INVALID_INPUT","reason":"malformed_event"}`,
		}, nil
	}

	rec := newResponseBuffer()
	h.router.ServeHTTP(rec, req)
	return rec.proxyResponse(), nil
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	if !decodeBody(w, r, &body) {
		return
	}
	out, err := h.engine.Submit(r.Context(), usecase.SubmitInput{
		ConversationKey: body.ConversationKey,
		Microapp:        body.Microapp,
		PhaseIndex:      body.PhaseIndex,
		Answers:         body.Answers,
		UserID:          body.UserID,
		Images:          body.Images,
		Files:           body.Files,
	})
	if err != nil {
		var run *domain.Run
		if out.Run.ID != "" {
			run = &out.Run
		}
		writeError(w, r, err, run)
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{
		ConversationKey: out.ConversationKey,
		Run:             out.Run,
		Response:        out.Response,
		Cancelled:       out.Cancelled,
	})
}

func (h *Handler) speechCost(w http.ResponseWriter, r *http.Request) {
	var body speechCostRequest
	if !decodeBody(w, r, &body) {
		return
	}
	run, err := h.engine.AccrueSpeechCost(r.Context(), usecase.AccrueInput{
		ConversationKey: body.ConversationKey,
		Characters:      body.Characters,
		UserID:          body.UserID,
	})
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, runResponse{Run: run})
}

func (h *Handler) conversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.engine.Conversation(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *Handler) access(w http.ResponseWriter, r *http.Request) {
	access, err := h.engine.Access(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("userId"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, access)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_body", Message: err.Error()})
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, r *http.Request, err error, run *domain.Run) {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		slog.Error("handler: unexpected error", "correlationId", w.Header().Get(correlationHeader), "path", r.URL.Path, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)})
		return
	}

	status := statusFor(ucErr.Code)
	if status >= http.StatusInternalServerError {
		slog.Error("handler: request failed", "correlationId", w.Header().Get(correlationHeader), "path", r.URL.Path, "code", ucErr.Code, "reason", ucErr.Reason, "err", err)
	}
	writeJSON(w, status, errorResponse{
		Error:   string(ucErr.Code),
		Reason:  ucErr.Reason,
		Message: ucErr.Message(),
		Run:     run,
	})
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorUnauthorized:
		return http.StatusUnauthorized
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorConflict:
		return http.StatusConflict
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("handler: encode response", "err", err)
	}
}

// correlation echoes the caller's correlation id or assigns a new one.
func correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(correlationHeader))
		if id == "" {
			id = newUUID()
		}
		w.Header().Set(correlationHeader, id)
		next.ServeHTTP(w, r)
	})
}

func correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, correlationHeader) && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return newUUID()
}

func toHTTPRequest(ctx context.Context, event events.APIGatewayProxyRequest) (*http.Request, error) {
	body := []byte(event.Body)
	if event.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(event.Body)
		if err != nil {
			return nil, err
		}
		body = decoded
	}

	query := url.Values{}
	for k, vs := range event.MultiValueQueryStringParameters {
		for _, v := range vs {
			query.Add(k, v)
		}
	}
	for k, v := range event.QueryStringParameters {
		if _, ok := query[k]; !ok {
			query.Set(k, v)
		}
	}

	method := event.HTTPMethod
	if method == "" {
		method = http.MethodGet
	}
	u := &url.URL{Path: event.Path, RawQuery: query.Encode()}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, v := range event.Headers {
		req.Header.Set(k, v)
	}
	for k, vs := range event.MultiValueHeaders {
		req.Header.Del(k)
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return req, nil
}

// responseBuffer collects a router response for the proxy integration.
type responseBuffer struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newResponseBuffer() *responseBuffer {
	return &responseBuffer{header: http.Header{}}
}

func (b *responseBuffer) Header() http.Header { return b.header }

func (b *responseBuffer) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *responseBuffer) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *responseBuffer) proxyResponse() events.APIGatewayProxyResponse {
	status := b.status
	if status == 0 {
		status = http.StatusOK
	}
	headers := make(map[string]string, len(b.header))
	for k := range b.header {
		headers[k] = b.header.Get(k)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    headers,
		Body:       b.body.String(),
	}
}

var newUUID = func() string {
	return uuid.NewString()
}
