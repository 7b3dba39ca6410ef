package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deckhand-ai/deckhand/internal/audit"
	"github.com/deckhand-ai/deckhand/internal/events"
	"github.com/deckhand-ai/deckhand/internal/observability"
	"github.com/deckhand-ai/deckhand/internal/pathguard"
	"github.com/deckhand-ai/deckhand/internal/provider"
	"github.com/deckhand-ai/deckhand/pkg/models"
)

const titleMaxRunes = 80

// ErrAlreadyRunning rejects a send while a turn is active. The rejection
// never mutates history or queue state.
var ErrAlreadyRunning = errors.New("a turn is already active for this conversation")

// ErrNotFound reports an unknown conversation id.
var ErrNotFound = errors.New("conversation not found")

// Result is the uniform outcome shape for registry operations.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`

	// Aborted marks a turn that was stopped cooperatively rather than
	// finishing or failing.
	Aborted bool `json:"aborted,omitempty"`
}

func okResult() Result {
	return Result{Success: true}
}

func errResult(err error) Result {
	return Result{Success: false, Error: err.Error()}
}

// HistoryResult carries a transcript copy alongside the outcome.
type HistoryResult struct {
	Result
	Messages []models.Message `json:"messages,omitempty"`
}

// ListResult carries session metadata alongside the outcome.
type ListResult struct {
	Result
	Sessions []models.SessionMeta `json:"sessions,omitempty"`
}

// SessionResult carries one session's metadata alongside the outcome.
type SessionResult struct {
	Result
	Session models.SessionMeta `json:"session,omitempty"`
}

// QueueResult carries a queue snapshot alongside the outcome.
type QueueResult struct {
	Result
	Queue []models.QueuedPrompt `json:"queue,omitempty"`
}

// SendOptions shapes one prompt submission.
type SendOptions struct {
	Message    string
	ImagePaths []string

	// Model overrides the conversation's model for this turn only.
	Model string
}

// CreateOptions shapes explicit session creation.
type CreateOptions struct {
	Name        string
	ProjectPath string
	WorkDir     string
	Model       string
	Tags        []string
}

// conversation is the in-memory state of one session. All fields are
// guarded by the registry mutex; the turn body itself runs unlocked.
type conversation struct {
	meta     models.SessionMeta
	messages []models.Message
	queue    []models.QueuedPrompt
	running  bool
	cancel   context.CancelFunc
}

// Registry owns every conversation and drives the Idle/Active turn state
// machine. A conversation accepts one turn at a time; concurrent sends
// are rejected with ErrAlreadyRunning. State is hydrated lazily from the
// store on first access.
type Registry struct {
	store   *Store
	guard   *pathguard.Guard
	gateway *provider.Gateway
	bus     *events.Bus
	logger  *observability.Logger
	auditor *audit.Logger
	metrics *observability.Metrics

	defaultModel string
	maxTurns     int
	systemPrompt string
	allowedTools []string

	mu    sync.Mutex
	convs map[string]*conversation
}

// Options wires the registry's collaborators.
type Options struct {
	Store   *Store
	Guard   *pathguard.Guard
	Gateway *provider.Gateway
	Bus     *events.Bus
	Logger  *observability.Logger
	Audit   *audit.Logger
	Metrics *observability.Metrics

	DefaultModel string
	MaxTurns     int
	SystemPrompt string
	AllowedTools []string
}

// NewRegistry creates a registry over an explicit store; there is no
// package-level state.
func NewRegistry(opts Options) (*Registry, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if opts.Bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if opts.MaxTurns < 1 {
		opts.MaxTurns = 25
	}
	return &Registry{
		store:        opts.Store,
		guard:        opts.Guard,
		gateway:      opts.Gateway,
		bus:          opts.Bus,
		logger:       opts.Logger,
		auditor:      opts.Audit,
		metrics:      opts.Metrics,
		defaultModel: opts.DefaultModel,
		maxTurns:     opts.MaxTurns,
		systemPrompt: opts.SystemPrompt,
		allowedTools: opts.AllowedTools,
		convs:        make(map[string]*conversation),
	}, nil
}

// Start registers a conversation with the given working directory,
// creating it when unknown. Calling Start on an existing conversation is
// a no-op; an invalid working directory fails fast before any turn runs.
func (r *Registry) Start(sessionID, workDir string) Result {
	if sessionID == "" {
		return errResult(fmt.Errorf("session id is required"))
	}
	if r.guard != nil && workDir != "" {
		if err := r.guard.Validate(workDir); err != nil {
			return errResult(err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.conversationLocked(sessionID); err == nil {
		return okResult()
	}

	now := time.Now()
	conv := &conversation{meta: models.SessionMeta{
		ID:        sessionID,
		WorkDir:   workDir,
		CreatedAt: now,
		UpdatedAt: now,
	}}
	r.convs[sessionID] = conv
	if err := r.store.SaveMeta(conv.meta); err != nil {
		delete(r.convs, sessionID)
		return errResult(err)
	}
	return okResult()
}

// CreateSession creates a conversation with a generated id.
func (r *Registry) CreateSession(opts CreateOptions) SessionResult {
	if r.guard != nil && opts.WorkDir != "" {
		if err := r.guard.Validate(opts.WorkDir); err != nil {
			return SessionResult{Result: errResult(err)}
		}
	}

	now := time.Now()
	meta := models.SessionMeta{
		ID:          uuid.NewString(),
		Name:        opts.Name,
		ProjectPath: opts.ProjectPath,
		WorkDir:     opts.WorkDir,
		Model:       opts.Model,
		Tags:        opts.Tags,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store.SaveMeta(meta); err != nil {
		return SessionResult{Result: errResult(err)}
	}
	r.convs[meta.ID] = &conversation{meta: meta}
	return SessionResult{Result: okResult(), Session: meta}
}

// Send submits a prompt and drives the turn to completion. It returns
// after the turn ends; queued follow-ups begin only after the return, via
// a deferred drain. A send while Active is rejected without touching
// history.
func (r *Registry) Send(ctx context.Context, sessionID string, opts SendOptions) Result {
	if strings.TrimSpace(opts.Message) == "" && len(opts.ImagePaths) == 0 {
		return errResult(fmt.Errorf("message is required"))
	}

	images, err := r.loadAttachments(opts.ImagePaths)
	if err != nil {
		return errResult(err)
	}

	r.mu.Lock()
	conv, err := r.conversationLocked(sessionID)
	if err != nil {
		r.mu.Unlock()
		return errResult(err)
	}
	if conv.running {
		r.mu.Unlock()
		return errResult(ErrAlreadyRunning)
	}

	userMsg := models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleUser,
		Content:   opts.Message,
		Images:    images,
		CreatedAt: time.Now(),
	}
	conv.messages = append(conv.messages, userMsg)
	if conv.meta.Name == "" {
		conv.meta.Name = defaultTitle(opts.Message)
	}
	conv.meta.UpdatedAt = time.Now()

	model := opts.Model
	if model == "" {
		model = conv.meta.Model
	}
	if model == "" {
		model = r.defaultModel
	}

	turnCtx, cancel := context.WithCancel(ctx)
	conv.running = true
	conv.cancel = cancel

	history := make([]models.Message, len(conv.messages)-1)
	copy(history, conv.messages[:len(conv.messages)-1])
	query := provider.QueryOptions{
		SessionID:    sessionID,
		Prompt:       opts.Message,
		Images:       images,
		Model:        model,
		WorkDir:      conv.meta.WorkDir,
		SystemPrompt: r.systemPrompt,
		MaxTurns:     r.maxTurns,
		AllowedTools: r.allowedTools,
		History:      history,
		Continuation: conv.meta.Continuation,
	}
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ActiveTurns.Inc()
	}
	if r.auditor != nil {
		r.auditor.TurnStarted(ctx, sessionID, model)
	}
	r.persist(sessionID)

	start := time.Now()
	res := r.runTurn(turnCtx, sessionID, query)
	cancel()

	r.mu.Lock()
	conv.running = false
	conv.cancel = nil
	conv.meta.UpdatedAt = time.Now()
	r.mu.Unlock()

	r.persist(sessionID)
	if r.metrics != nil {
		r.metrics.ActiveTurns.Dec()
	}
	if r.auditor != nil {
		outcome := "success"
		switch {
		case res.Aborted:
			outcome = "aborted"
		case !res.Success:
			outcome = "error"
		}
		r.auditor.TurnFinished(ctx, sessionID, outcome, time.Since(start), res.Error)
	}

	// Deferred so the caller observes the turn result before any queued
	// follow-up begins.
	go r.drainQueue(sessionID)

	return res
}

// runTurn executes one turn against the gateway and folds the canonical
// stream back into the transcript. The assistant reply is one message
// mutated in place as cumulative deltas arrive.
func (r *Registry) runTurn(ctx context.Context, sessionID string, query provider.QueryOptions) Result {
	stream, err := r.gateway.ExecuteQuery(ctx, query)
	if err != nil {
		r.appendErrorMessage(sessionID, err.Error())
		r.publish(&models.StreamEvent{Type: models.EventError, SessionID: sessionID, Error: err.Error()})
		return errResult(err)
	}

	var (
		assistantID string
		finalText   string
		sawComplete bool
		errMsg      string
	)
	for ev := range stream {
		r.bus.Publish(ev)
		switch ev.Type {
		case models.EventTextDelta:
			assistantID = r.upsertAssistantText(sessionID, assistantID, ev.MessageID, ev.Text)
		case models.EventTurnComplete:
			sawComplete = true
			finalText = ev.FinalText
			if ev.Continuation != "" {
				r.setContinuation(sessionID, ev.Continuation)
			}
		case models.EventError:
			errMsg = ev.Error
		}
	}

	if errors.Is(ctx.Err(), context.Canceled) && errMsg == "" {
		// Stopped cooperatively. Partial text stays; no error message is
		// recorded.
		return Result{Success: true, Aborted: true}
	}
	if errMsg != "" {
		r.appendErrorMessage(sessionID, errMsg)
		return Result{Success: false, Error: errMsg}
	}
	if !sawComplete {
		msg := "turn ended without completing"
		r.appendErrorMessage(sessionID, msg)
		return Result{Success: false, Error: msg}
	}
	if finalText != "" {
		r.upsertAssistantText(sessionID, assistantID, "", finalText)
	}
	return okResult()
}

// Stop cancels the active turn. The interrupted send reports a
// successful abort, not an error. Stopping an idle conversation is a
// no-op.
func (r *Registry) Stop(sessionID string) Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, err := r.conversationLocked(sessionID)
	if err != nil {
		return errResult(err)
	}
	if !conv.running || conv.cancel == nil {
		return okResult()
	}
	conv.cancel()
	return Result{Success: true, Aborted: true}
}

// GetHistory returns a copy of the transcript.
func (r *Registry) GetHistory(sessionID string) HistoryResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, err := r.conversationLocked(sessionID)
	if err != nil {
		return HistoryResult{Result: errResult(err)}
	}
	messages := make([]models.Message, len(conv.messages))
	copy(messages, conv.messages)
	return HistoryResult{Result: okResult(), Messages: messages}
}

// ClearSession empties the transcript and drops the continuation token,
// since server-side context no longer matches an empty history.
func (r *Registry) ClearSession(sessionID string) Result {
	r.mu.Lock()
	conv, err := r.conversationLocked(sessionID)
	if err != nil {
		r.mu.Unlock()
		return errResult(err)
	}
	if conv.running {
		r.mu.Unlock()
		return errResult(fmt.Errorf("cannot clear while a turn is active"))
	}
	conv.messages = nil
	conv.meta.Continuation = ""
	conv.meta.UpdatedAt = time.Now()
	r.mu.Unlock()

	r.persist(sessionID)
	return okResult()
}

// ListSessions returns all session metadata, newest first. Transcripts
// are never loaded.
func (r *Registry) ListSessions() ListResult {
	sessions, err := r.store.ListMeta()
	if err != nil {
		return ListResult{Result: errResult(err)}
	}
	return ListResult{Result: okResult(), Sessions: sessions}
}

// ArchiveSession marks a conversation archived without deleting state.
func (r *Registry) ArchiveSession(sessionID string) Result {
	return r.setArchived(sessionID, true)
}

// UnarchiveSession clears the archived flag.
func (r *Registry) UnarchiveSession(sessionID string) Result {
	return r.setArchived(sessionID, false)
}

func (r *Registry) setArchived(sessionID string, archived bool) Result {
	r.mu.Lock()
	conv, err := r.conversationLocked(sessionID)
	if err != nil {
		r.mu.Unlock()
		return errResult(err)
	}
	conv.meta.Archived = archived
	conv.meta.UpdatedAt = time.Now()
	meta := conv.meta
	r.mu.Unlock()

	if err := r.store.SaveMeta(meta); err != nil {
		return errResult(err)
	}
	return okResult()
}

// DeleteSession removes a conversation's metadata, transcript, queue
// file, and in-memory state together.
func (r *Registry) DeleteSession(sessionID string) Result {
	r.mu.Lock()
	conv, err := r.conversationLocked(sessionID)
	if err != nil {
		r.mu.Unlock()
		return errResult(err)
	}
	if conv.running {
		r.mu.Unlock()
		return errResult(fmt.Errorf("cannot delete while a turn is active"))
	}
	delete(r.convs, sessionID)
	r.mu.Unlock()

	if err := r.store.Delete(sessionID); err != nil {
		return errResult(err)
	}
	if r.metrics != nil {
		r.metrics.QueueDepth.DeleteLabelValues(sessionID)
	}
	return okResult()
}

// Enqueue appends a follow-up prompt. Every queue mutation persists the
// queue and publishes a queue-updated event with the full snapshot.
func (r *Registry) Enqueue(sessionID string, opts SendOptions) QueueResult {
	if strings.TrimSpace(opts.Message) == "" && len(opts.ImagePaths) == 0 {
		return QueueResult{Result: errResult(fmt.Errorf("message is required"))}
	}

	prompt := models.QueuedPrompt{
		ID:         uuid.NewString(),
		Message:    opts.Message,
		ImagePaths: opts.ImagePaths,
		Model:      opts.Model,
		EnqueuedAt: time.Now(),
	}

	r.mu.Lock()
	conv, err := r.conversationLocked(sessionID)
	if err != nil {
		r.mu.Unlock()
		return QueueResult{Result: errResult(err)}
	}
	conv.queue = append(conv.queue, prompt)
	snapshot := r.queueChangedLocked(sessionID, conv)
	r.mu.Unlock()

	// Idle conversations drain immediately; the drain no-ops when a turn
	// is active.
	go r.drainQueue(sessionID)

	return QueueResult{Result: okResult(), Queue: snapshot}
}

// ListQueue returns the current queue snapshot.
func (r *Registry) ListQueue(sessionID string) QueueResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, err := r.conversationLocked(sessionID)
	if err != nil {
		return QueueResult{Result: errResult(err)}
	}
	queue := make([]models.QueuedPrompt, len(conv.queue))
	copy(queue, conv.queue)
	return QueueResult{Result: okResult(), Queue: queue}
}

// RemoveQueued deletes one queued prompt by id.
func (r *Registry) RemoveQueued(sessionID, promptID string) QueueResult {
	r.mu.Lock()
	conv, err := r.conversationLocked(sessionID)
	if err != nil {
		r.mu.Unlock()
		return QueueResult{Result: errResult(err)}
	}
	idx := -1
	for i, p := range conv.queue {
		if p.ID == promptID {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return QueueResult{Result: errResult(fmt.Errorf("queued prompt %s not found", promptID))}
	}
	conv.queue = append(conv.queue[:idx], conv.queue[idx+1:]...)
	snapshot := r.queueChangedLocked(sessionID, conv)
	r.mu.Unlock()

	return QueueResult{Result: okResult(), Queue: snapshot}
}

// ClearQueue discards all queued prompts.
func (r *Registry) ClearQueue(sessionID string) QueueResult {
	r.mu.Lock()
	conv, err := r.conversationLocked(sessionID)
	if err != nil {
		r.mu.Unlock()
		return QueueResult{Result: errResult(err)}
	}
	conv.queue = nil
	snapshot := r.queueChangedLocked(sessionID, conv)
	r.mu.Unlock()

	return QueueResult{Result: okResult(), Queue: snapshot}
}

// drainQueue runs at most one queued prompt. A turn completing schedules
// another drain, so the queue empties one prompt per turn without a loop
// holding the conversation.
func (r *Registry) drainQueue(sessionID string) {
	r.mu.Lock()
	conv, err := r.conversationLocked(sessionID)
	if err != nil || conv.running || len(conv.queue) == 0 {
		r.mu.Unlock()
		return
	}
	head := conv.queue[0]
	conv.queue = conv.queue[1:]
	r.queueChangedLocked(sessionID, conv)
	r.mu.Unlock()

	res := r.Send(context.Background(), sessionID, SendOptions{
		Message:    head.Message,
		ImagePaths: head.ImagePaths,
		Model:      head.Model,
	})

	if res.Error == ErrAlreadyRunning.Error() {
		// A user send slipped in between the idle check and the send.
		// Put the prompt back at the front; the active turn's completion
		// will drain it.
		r.mu.Lock()
		conv.queue = append([]models.QueuedPrompt{head}, conv.queue...)
		r.queueChangedLocked(sessionID, conv)
		r.mu.Unlock()
		return
	}

	if r.auditor != nil {
		r.auditor.QueueDrain(context.Background(), sessionID, head.ID, res.Success)
	}
	if r.metrics != nil {
		status := "success"
		if !res.Success {
			status = "error"
		}
		r.metrics.QueueDrainCounter.WithLabelValues(status).Inc()
	}

	if !res.Success && !res.Aborted {
		// The failed prompt is consumed; later prompts stay queued and
		// are retried on the next drain trigger.
		r.publish(&models.StreamEvent{
			Type:      models.EventQueueError,
			SessionID: sessionID,
			PromptID:  head.ID,
			Error:     res.Error,
		})
	}
}

// queueChangedLocked persists the queue, updates the depth gauge, and
// publishes the queue-updated snapshot. Caller holds the mutex.
func (r *Registry) queueChangedLocked(sessionID string, conv *conversation) []models.QueuedPrompt {
	snapshot := make([]models.QueuedPrompt, len(conv.queue))
	copy(snapshot, conv.queue)
	if err := r.store.SaveQueue(sessionID, conv.queue); err != nil && r.logger != nil {
		r.logger.Error(context.Background(), "persist queue failed", "session_id", sessionID, "error", err)
	}
	if r.metrics != nil {
		r.metrics.QueueDepth.WithLabelValues(sessionID).Set(float64(len(conv.queue)))
	}
	r.publish(&models.StreamEvent{
		Type:      models.EventQueueUpdated,
		SessionID: sessionID,
		Queue:     snapshot,
	})
	return snapshot
}

// upsertAssistantText folds a cumulative text delta into the transcript.
// The first delta creates the assistant message; later deltas replace its
// content in place. Returns the transcript message id.
func (r *Registry) upsertAssistantText(sessionID, currentID, messageID, text string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, err := r.conversationLocked(sessionID)
	if err != nil {
		return currentID
	}
	if currentID != "" {
		for i := len(conv.messages) - 1; i >= 0; i-- {
			if conv.messages[i].ID == currentID {
				conv.messages[i].Content = text
				return currentID
			}
		}
	}
	if messageID == "" {
		messageID = uuid.NewString()
	}
	conv.messages = append(conv.messages, models.Message{
		ID:        messageID,
		Role:      models.RoleAssistant,
		Content:   text,
		CreatedAt: time.Now(),
	})
	return messageID
}

// appendErrorMessage records a failed turn as an error-flagged assistant
// message so the transcript shows what happened.
func (r *Registry) appendErrorMessage(sessionID, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, err := r.conversationLocked(sessionID)
	if err != nil {
		return
	}
	conv.messages = append(conv.messages, models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleAssistant,
		Content:   errMsg,
		CreatedAt: time.Now(),
		IsError:   true,
	})
}

func (r *Registry) setContinuation(sessionID, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conv, err := r.conversationLocked(sessionID); err == nil {
		conv.meta.Continuation = token
	}
}

// persist writes the transcript then the metadata. Queue writes happen
// at mutation time in queueChangedLocked.
func (r *Registry) persist(sessionID string) {
	r.mu.Lock()
	conv, err := r.conversationLocked(sessionID)
	if err != nil {
		r.mu.Unlock()
		return
	}
	messages := make([]models.Message, len(conv.messages))
	copy(messages, conv.messages)
	meta := conv.meta
	r.mu.Unlock()

	if err := r.store.SaveMessages(sessionID, messages); err != nil && r.logger != nil {
		r.logger.Error(context.Background(), "persist transcript failed", "session_id", sessionID, "error", err)
	}
	if err := r.store.SaveMeta(meta); err != nil && r.logger != nil {
		r.logger.Error(context.Background(), "persist metadata failed", "session_id", sessionID, "error", err)
	}
}

// conversationLocked returns the in-memory conversation, hydrating it
// from the store on first access. Caller holds the mutex.
func (r *Registry) conversationLocked(sessionID string) (*conversation, error) {
	if conv, ok := r.convs[sessionID]; ok {
		return conv, nil
	}
	meta, ok, err := r.store.LoadMeta(sessionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	messages, err := r.store.LoadMessages(sessionID)
	if err != nil {
		return nil, err
	}
	queue, err := r.store.LoadQueue(sessionID)
	if err != nil {
		return nil, err
	}
	conv := &conversation{meta: meta, messages: messages, queue: queue}
	r.convs[sessionID] = conv
	return conv, nil
}

func (r *Registry) publish(ev *models.StreamEvent) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	r.bus.Publish(ev)
}

// loadAttachments reads image files into base64 attachments, validating
// each path against the allowed roots first.
func (r *Registry) loadAttachments(paths []string) ([]models.Attachment, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	attachments := make([]models.Attachment, 0, len(paths))
	for _, path := range paths {
		if r.guard != nil {
			if err := r.guard.Validate(path); err != nil {
				return nil, err
			}
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read image %s: %w", path, err)
		}
		attachments = append(attachments, models.Attachment{
			Path:      path,
			MediaType: imageMediaType(path),
			Data:      base64.StdEncoding.EncodeToString(data),
		})
	}
	return attachments, nil
}

func imageMediaType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "image/png"
	}
}

// defaultTitle derives a session title from the first user message.
func defaultTitle(message string) string {
	title := strings.TrimSpace(message)
	if idx := strings.IndexByte(title, '\n'); idx >= 0 {
		title = title[:idx]
	}
	runes := []rune(title)
	if len(runes) > titleMaxRunes {
		title = string(runes[:titleMaxRunes])
	}
	return title
}
