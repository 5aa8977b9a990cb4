package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scalytics/connectd/internal/cancel"
	"github.com/scalytics/connectd/internal/llm"
	. "github.com/scalytics/connectd/internal/logging"
	"github.com/scalytics/connectd/internal/store"
	"github.com/scalytics/connectd/internal/tokens"
)

// completionTimeout is the absolute ceiling on one completion request,
// streaming or not.
const completionTimeout = 240 * time.Second

type chatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type completionRequest struct {
	Messages    []chatMessage   `json:"messages"`
	Stream      bool            `json:"stream"`
	UserID      json.RawMessage `json:"user_id"` // string or number on the wire
	Temperature *float32        `json:"temperature"`
	MaxTokens   *int            `json:"max_tokens"`
	TopP        *float32        `json:"top_p"`

	userID string
}

var validRoles = map[string]bool{"user": true, "assistant": true, "system": true}

// normalizeUserID accepts the user id as either a JSON string or number and
// returns its canonical string form.
func normalizeUserID(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	return "", false
}

// parseCompletionRequest validates the request body, returning the decoded
// request plus plain-string message contents. Validation failures carry the
// offending parameter name.
func parseCompletionRequest(r *http.Request) (*completionRequest, []llm.ChatMessage, *apiError) {
	var req completionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, nil, &apiError{Message: "malformed JSON body", Code: codeInvalidRequest}
	}

	if len(req.Messages) == 0 {
		return nil, nil, &apiError{Message: "messages must be a non-empty array", Code: codeInvalidRequest, Param: "messages"}
	}
	msgs := make([]llm.ChatMessage, 0, len(req.Messages))
	for i, m := range req.Messages {
		if !validRoles[m.Role] {
			return nil, nil, &apiError{
				Message: fmt.Sprintf("messages[%d].role must be one of user, assistant, system", i),
				Code:    codeInvalidRequest, Param: "messages",
			}
		}
		var content string
		if err := json.Unmarshal(m.Content, &content); err != nil {
			return nil, nil, &apiError{
				Message: fmt.Sprintf("messages[%d].content must be a string", i),
				Code:    codeInvalidRequest, Param: "messages",
			}
		}
		msgs = append(msgs, llm.ChatMessage{Role: m.Role, Content: content})
	}

	var ok bool
	if req.userID, ok = normalizeUserID(req.UserID); !ok {
		return nil, nil, &apiError{Message: "user_id must be a string or number", Code: codeInvalidRequest, Param: "user_id"}
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return nil, nil, &apiError{Message: "temperature must be between 0 and 2", Code: codeInvalidRequest, Param: "temperature"}
	}
	if req.MaxTokens != nil && *req.MaxTokens <= 0 {
		return nil, nil, &apiError{Message: "max_tokens must be a positive integer", Code: codeInvalidRequest, Param: "max_tokens"}
	}
	if req.TopP != nil && (*req.TopP < 0 || *req.TopP > 1) {
		return nil, nil, &apiError{Message: "top_p must be between 0 and 1", Code: codeInvalidRequest, Param: "top_p"}
	}
	return &req, msgs, nil
}

// handleChatCompletion is the internal OpenAI-compatible completion
// endpoint, served against whatever local model is currently active.
func (s *Server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, codeInvalidRequest, "method not allowed", "")
		return
	}

	req, msgs, apiErr := parseCompletionRequest(r)
	if apiErr != nil {
		writeError(w, http.StatusBadRequest, apiErr.Code, apiErr.Message, apiErr.Param)
		return
	}

	active, err := s.store.ActiveModel()
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, codeNoActiveModel,
			"no active local model; activate a model first", "")
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}

	ctx, cancelFn := context.WithTimeout(r.Context(), completionTimeout)
	defer cancelFn()

	maxTokens := 0
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	opts := llm.ChatOptions{Temperature: req.Temperature, MaxTokens: maxTokens, TopP: req.TopP}
	servedName := fmt.Sprintf("%d", active.ID)

	if req.Stream {
		s.streamCompletion(ctx, w, req, msgs, opts, active.Name, servedName)
		return
	}
	s.bufferedCompletion(ctx, w, req, msgs, opts, active.Name, servedName)
}

// handleChatCancel requests cancellation of an in-flight completion by its
// user id. The stream observes the flag on its next delta.
func (s *Server) handleChatCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, codeInvalidRequest, "method not allowed", "")
		return
	}
	var req struct {
		UserID json.RawMessage `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "user_id is required", "user_id")
		return
	}
	id, ok := normalizeUserID(req.UserID)
	if !ok || id == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "user_id is required", "user_id")
		return
	}
	s.cancels.Request(id)
	writeJSON(w, http.StatusAccepted, struct {
		Status string `json:"status"`
	}{"cancellation requested"})
}

// OpenAI wire shapes.

type chunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type usageBlock struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type completionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
	Usage   *usageBlock   `json:"usage,omitempty"`
}

type completionChoice struct {
	Index        int        `json:"index"`
	Message      chunkDelta `json:"message"`
	FinishReason *string    `json:"finish_reason"`
}

type completionObject struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
	Usage   *usageBlock        `json:"usage"`
}

// sseStream serializes chunk writes and enforces the open/closing/closed
// lifecycle: headers go out lazily with the first event, and nothing is
// written after close.
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	state   int // 0 open (headers unsent), 1 streaming, 2 closed
}

func (st *sseStream) headersSent() bool { return st.state >= 1 }

func (st *sseStream) send(payload any) error {
	if st.state == 2 {
		return nil
	}
	if st.state == 0 {
		st.w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		st.w.Header().Set("Cache-Control", "no-cache")
		st.w.Header().Set("Connection", "keep-alive")
		st.w.Header().Set("X-Accel-Buffering", "no")
		st.w.WriteHeader(http.StatusOK)
		st.state = 1
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(st.w, "data: %s\n\n", data); err != nil {
		st.state = 2
		return err
	}
	st.flusher.Flush()
	return nil
}

// close emits the stream terminator exactly once.
func (st *sseStream) close() {
	if st.state != 1 {
		st.state = 2
		return
	}
	fmt.Fprint(st.w, "data: [DONE]\n\n")
	st.flusher.Flush()
	st.state = 2
}

// streamCompletion proxies the engine stream to the client as SSE.
func (s *Server) streamCompletion(ctx context.Context, w http.ResponseWriter,
	req *completionRequest, msgs []llm.ChatMessage, opts llm.ChatOptions,
	modelName, servedName string) {

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, codeInternal, "streaming unsupported", "")
		return
	}
	st := &sseStream{w: w, flusher: flusher}

	chunkID := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()
	chunk := func(delta chunkDelta, finish *string) completionChunk {
		return completionChunk{
			ID: chunkID, Object: "chat.completion.chunk", Created: created, Model: modelName,
			Choices: []chunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
		}
	}

	var completionText strings.Builder
	first := true
	_, streamErr := s.llm.StreamChat(ctx, servedName, msgs, opts, func(content string) error {
		if req.userID != "" && s.cancels.IsRequested(req.userID) {
			return cancel.ErrCancelled
		}
		delta := chunkDelta{Content: content}
		if first {
			delta.Role = "assistant"
			first = false
		}
		completionText.WriteString(content)
		return st.send(chunk(delta, nil))
	})

	cancelled := errors.Is(streamErr, cancel.ErrCancelled)
	if cancelled {
		s.cancels.Clear(req.userID)
		L_info("http: completion cancelled", "user", req.userID)
	}

	if streamErr != nil && !cancelled {
		if st.headersSent() {
			// Mid-stream failure: the status line is gone, so finish the
			// stream cleanly and let the client see the truncation.
			L_error("http: completion stream failed mid-flight", "error", streamErr)
			st.close()
			return
		}
		if errors.Is(streamErr, context.DeadlineExceeded) {
			writeError(w, http.StatusGatewayTimeout, codeTimeout, "completion timed out", "")
			return
		}
		L_error("http: completion stream failed", "error", streamErr)
		writeError(w, http.StatusInternalServerError, codeInternal, "engine request failed", "")
		return
	}

	// Terminal chunk with usage, even for zero-delta streams.
	finish := "stop"
	final := chunk(chunkDelta{}, &finish)
	final.Usage = s.usage(msgs, completionText.String())
	if err := st.send(final); err != nil {
		L_debug("http: failed to write terminal chunk", "error", err)
	}
	st.close()
}

// bufferedCompletion collects the whole stream and answers with a single
// chat.completion object.
func (s *Server) bufferedCompletion(ctx context.Context, w http.ResponseWriter,
	req *completionRequest, msgs []llm.ChatMessage, opts llm.ChatOptions,
	modelName, servedName string) {

	var text strings.Builder
	_, err := s.llm.StreamChat(ctx, servedName, msgs, opts, func(content string) error {
		if req.userID != "" && s.cancels.IsRequested(req.userID) {
			return cancel.ErrCancelled
		}
		text.WriteString(content)
		return nil
	})

	if errors.Is(err, cancel.ErrCancelled) {
		s.cancels.Clear(req.userID)
	} else if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusGatewayTimeout, codeTimeout, "completion timed out", "")
			return
		}
		L_error("http: completion failed", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "engine request failed", "")
		return
	}

	finish := "stop"
	writeJSON(w, http.StatusOK, completionObject{
		ID: "chatcmpl-" + uuid.NewString(), Object: "chat.completion",
		Created: time.Now().Unix(), Model: modelName,
		Choices: []completionChoice{{
			Index:        0,
			Message:      chunkDelta{Role: "assistant", Content: text.String()},
			FinishReason: &finish,
		}},
		Usage: s.usage(msgs, text.String()),
	})
}

// usage estimates the token accounting block for a finished completion.
func (s *Server) usage(msgs []llm.ChatMessage, completion string) *usageBlock {
	est := tokens.Get()
	contents := make([]string, len(msgs))
	for i, m := range msgs {
		contents[i] = m.Content
	}
	prompt := est.CountMessages(contents)
	done := est.Count(completion)
	return &usageBlock{
		PromptTokens:     prompt,
		CompletionTokens: done,
		TotalTokens:      prompt + done,
	}
}
