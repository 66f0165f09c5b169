// Package state tracks each conversation's in-memory state machine: the
// ConversationContext driving which Message Handler may act next, evicted
// after an idle TTL and rebuilt from persisted history on next access.
package state

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/frameflow/frameflow/pkg/models"
)

// ConversationState is a node in the per-conversation state machine.
type ConversationState string

// States. Non-terminal: Idle, AwaitingFile, AwaitingConfirmation,
// Processing. Terminal: Completed, Failed (both reset to Idle).
const (
	StateIdle                 ConversationState = "idle"
	StateAwaitingFile         ConversationState = "awaiting_file"
	StateAwaitingConfirmation ConversationState = "awaiting_confirmation"
	StateProcessing           ConversationState = "processing"
	StateCompleted            ConversationState = "completed"
	StateFailed               ConversationState = "failed"
)

// Event drives a transition in the state machine.
type Event string

// Events.
const (
	EventUserMessage Event = "user_message"
	EventUpload      Event = "upload"
	EventConfirm     Event = "confirm"
	EventCancel      Event = "cancel"
	EventSuccess     Event = "success"
	EventFailure     Event = "failure"
	EventReset       Event = "reset"
)

// ErrIllegalTransition is returned when an event is not valid for a
// context's current state. No mutation occurs.
var ErrIllegalTransition = errors.New("state: illegal state transition")

// IllegalTransitionError carries the offending state/event pair.
type IllegalTransitionError struct {
	State ConversationState
	Event Event
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("state: cannot apply event %q from state %q", e.Event, e.State)
}

func (e *IllegalTransitionError) Unwrap() error { return ErrIllegalTransition }

// transitions maps (state, event) -> next state. cancel is valid from every
// non-terminal state (including processing, per the orchestrator's
// non-preemptive cancellation semantics: cancel returns the context to
// idle immediately but does not stop an in-flight job).
var transitions = map[ConversationState]map[Event]ConversationState{
	StateIdle: {
		EventUserMessage: StateAwaitingFile,
		EventCancel:      StateIdle,
	},
	StateAwaitingFile: {
		EventUpload: StateAwaitingConfirmation,
		EventCancel: StateIdle,
	},
	StateAwaitingConfirmation: {
		EventUpload:  StateAwaitingConfirmation,
		EventConfirm: StateProcessing,
		EventCancel:  StateIdle,
	},
	StateProcessing: {
		EventSuccess: StateCompleted,
		EventFailure: StateFailed,
		EventCancel:  StateIdle,
	},
	StateCompleted: {
		EventReset: StateIdle,
	},
	StateFailed: {
		EventReset: StateIdle,
	},
}

// ConversationContext is the per-conversation in-memory state. It is a
// cache over the Repository: UploadedFiles mirrors the persisted file
// entries and is re-synced (idempotently) on every service entry that
// consumes files, so a context rebuilt after eviction or a process restart
// observes the same files a long-lived one would.
type ConversationContext struct {
	mu sync.Mutex

	ChatID          string
	State           ConversationState
	UploadedFiles   []string
	MessageCount    int
	PendingWorkflow []models.ProposedStep
	LastIntent      string
	LastAccessed    time.Time
}

// Apply validates and performs a transition, updating LastAccessed. On
// EventCancel, PendingWorkflow is cleared.
func (c *ConversationContext) Apply(event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next, ok := transitions[c.State][event]
	if !ok {
		return &IllegalTransitionError{State: c.State, Event: event}
	}
	c.State = next
	c.LastAccessed = time.Now().UTC()
	if event == EventCancel {
		c.PendingWorkflow = nil
	}
	return nil
}

// ContextSnapshot is a point-in-time copy of a ConversationContext's
// fields, safe to read without further locking.
type ContextSnapshot struct {
	ChatID          string
	State           ConversationState
	UploadedFiles   []string
	MessageCount    int
	PendingWorkflow []models.ProposedStep
	LastIntent      string
	LastAccessed    time.Time
}

// Snapshot returns a copy of the context's current fields, safe to read
// without holding the context's lock further.
func (c *ConversationContext) Snapshot() ContextSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ContextSnapshot{
		ChatID:          c.ChatID,
		State:           c.State,
		UploadedFiles:   append([]string(nil), c.UploadedFiles...),
		MessageCount:    c.MessageCount,
		PendingWorkflow: append([]models.ProposedStep(nil), c.PendingWorkflow...),
		LastIntent:      c.LastIntent,
		LastAccessed:    c.LastAccessed,
	}
}

// SyncFiles merges paths into the context's uploaded-file mirror,
// preserving order and skipping paths already present, so repeated syncs
// from the same persisted set never produce duplicates.
func (c *ConversationContext) SyncFiles(paths []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	known := make(map[string]struct{}, len(c.UploadedFiles))
	for _, p := range c.UploadedFiles {
		known[p] = struct{}{}
	}
	for _, p := range paths {
		if _, ok := known[p]; ok {
			continue
		}
		known[p] = struct{}{}
		c.UploadedFiles = append(c.UploadedFiles, p)
	}
}

// RecordMessage bumps the context's message counter and activity stamp.
func (c *ConversationContext) RecordMessage() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.MessageCount++
	c.LastAccessed = time.Now().UTC()
}

// SetPendingWorkflow replaces the proposed workflow awaiting confirmation.
func (c *ConversationContext) SetPendingWorkflow(steps []models.ProposedStep, intent string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.PendingWorkflow = steps
	c.LastIntent = intent
	c.LastAccessed = time.Now().UTC()
}

// Manager owns the map of live ConversationContexts, keyed by chat_id,
// evicting entries idle past ttl.
type Manager struct {
	ttl time.Duration

	mu       sync.RWMutex
	contexts map[string]*ConversationContext
}

// New builds a Manager with the given idle eviction TTL.
func New(ttl time.Duration) *Manager {
	return &Manager{ttl: ttl, contexts: make(map[string]*ConversationContext)}
}

// Get returns the live context for chatID, or false if it is absent or has
// been evicted — the caller should rebuild it from the Repository.
func (m *Manager) Get(chatID string) (*ConversationContext, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ctx, ok := m.contexts[chatID]
	if !ok {
		return nil, false
	}
	ctx.mu.Lock()
	expired := time.Since(ctx.LastAccessed) > m.ttl
	ctx.mu.Unlock()
	if expired {
		return nil, false
	}
	return ctx, true
}

// GetOrCreate returns the live context for chatID, creating a fresh one in
// initialState if none exists or the previous one expired.
func (m *Manager) GetOrCreate(chatID string, initialState ConversationState) *ConversationContext {
	if ctx, ok := m.Get(chatID); ok {
		return ctx
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	ctx := &ConversationContext{ChatID: chatID, State: initialState, LastAccessed: time.Now().UTC()}
	m.contexts[chatID] = ctx
	return ctx
}

// Evict removes a context outright (used on conversation deletion).
func (m *Manager) Evict(chatID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.contexts, chatID)
}

// SweepExpired removes all contexts idle past the configured TTL relative
// to now, returning the count evicted.
func (m *Manager) SweepExpired(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for chatID, ctx := range m.contexts {
		ctx.mu.Lock()
		stale := now.Sub(ctx.LastAccessed) > m.ttl
		ctx.mu.Unlock()
		if stale {
			delete(m.contexts, chatID)
			evicted++
		}
	}
	return evicted
}
