package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/minipuft/claude-prompts-mcp-sub004/events"
	"github.com/minipuft/claude-prompts-mcp-sub004/gates"
	"github.com/minipuft/claude-prompts-mcp-sub004/logger"
	"github.com/minipuft/claude-prompts-mcp-sub004/pkg/errors"
	"github.com/minipuft/claude-prompts-mcp-sub004/prompt"
)

// Options bounds session lifetimes. Zero values take the defaults:
// 60m chain TTL, 5m review TTL, 60s cleanup sweep.
type Options struct {
	ChainTTL        time.Duration
	ReviewTTL       time.Duration
	CleanupInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.ChainTTL <= 0 {
		o.ChainTTL = 60 * time.Minute
	}
	if o.ReviewTTL <= 0 {
		o.ReviewTTL = 5 * time.Minute
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = 60 * time.Second
	}
	return o
}

// Manager owns every chain session. All mutations run under one lock and
// write through to the store before the lock is released, so no two
// operations against the same session observe intermediate state.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*ChainSession

	store Store
	bus   *events.Bus
	log   *slog.Logger
	opts  Options

	cleanupOnce sync.Once
	stop        chan struct{}
	done        chan struct{}
}

// NewManager loads persisted sessions from the store and returns a ready
// manager. The cleanup scheduler starts separately via StartCleanup.
func NewManager(ctx context.Context, store Store, bus *events.Bus, opts Options) (*Manager, error) {
	sessions, err := store.LoadAll(ctx)
	if err != nil {
		return nil, errors.New("session", "NewManager", err).WithKind(errors.KindPersistence)
	}
	m := &Manager{
		sessions: sessions,
		store:    store,
		bus:      bus,
		log:      logger.With("session"),
		opts:     opts.withDefaults(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if len(sessions) > 0 {
		m.log.Info("restored chain sessions", "count", len(sessions))
	}
	return m, nil
}

// AllocateSessionID returns the first free session id for a chain:
// chain-<id>, then chain-<id>#2, #3, and so on.
func (m *Manager) AllocateSessionID(chainID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	base := SessionIDFor(chainID)
	for n := 1; ; n++ {
		candidate := base + runSuffix(n)
		if _, exists := m.sessions[candidate]; !exists {
			return candidate
		}
	}
}

// CreateSession starts a new chain run. An existing session with the same
// id is an error unless forceRestart, which replaces it.
func (m *Manager) CreateSession(ctx context.Context, sessionID, chainID string, totalSteps int, meta map[string]any, blueprint *prompt.Config, forceRestart bool) (*ChainSession, error) {
	if sessionID == "" {
		return nil, errors.New("session", "CreateSession", ErrInvalidID).WithKind(errors.KindValidation)
	}
	if totalSteps <= 0 {
		return nil, errors.New("session", "CreateSession",
			fmt.Errorf("chain '%s' has no steps", chainID)).WithKind(errors.KindValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[sessionID]; exists && !forceRestart {
		return nil, errors.New("session", "CreateSession",
			fmt.Errorf("session '%s' already active; pass force_restart to replace it", sessionID)).
			WithKind(errors.KindSession).
			WithDetails(map[string]any{"session_id": sessionID})
	}

	now := time.Now()
	s := &ChainSession{
		SessionID:        sessionID,
		ChainID:          chainID,
		ChainRunID:       uuid.NewString(),
		CurrentStep:      0,
		TotalSteps:       totalSteps,
		StepStates:       make(map[int]*StepState, totalSteps),
		ChainContext:     ChainContext{StepResults: make(map[int]string)},
		SessionBlueprint: prompt.Clone(blueprint),
		Metadata:         copyAnyMap(meta),
		CreatedAt:        now,
		LastActivity:     now,
	}
	for i := 1; i <= totalSteps; i++ {
		s.StepStates[i] = &StepState{State: StepPending}
	}

	m.sessions[sessionID] = s
	if err := m.persistLocked(ctx, s); err != nil {
		delete(m.sessions, sessionID)
		return nil, err
	}

	m.publish(events.EventSessionCreated, s, "")
	logger.SessionEvent("created", sessionID, 0, totalSteps, "chain_id", chainID)
	return s.clone(), nil
}

// GetSession returns a copy of the session.
func (m *Manager) GetSession(sessionID string) (*ChainSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return s.clone(), true
}

// HasActiveSession reports whether the session id is live.
func (m *Manager) HasActiveSession(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[sessionID]
	return ok
}

// ListSessions returns copies of every live session, oldest first.
func (m *Manager) ListSessions() []*ChainSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ChainSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// SetStepState sets one step's lifecycle state.
func (m *Manager) SetStepState(ctx context.Context, sessionID string, step int, state string, isPlaceholder bool) error {
	switch state {
	case StepPending, StepRendered, StepCompleted, StepSkipped:
	default:
		return errors.New("session", "SetStepState",
			fmt.Errorf("invalid step state '%s'", state)).WithKind(errors.KindValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.getLocked(sessionID, "SetStepState")
	if err != nil {
		return err
	}
	if step < 1 || step > s.TotalSteps {
		return errors.New("session", "SetStepState",
			fmt.Errorf("step %d out of range [1,%d]", step, s.TotalSteps)).WithKind(errors.KindValidation)
	}
	s.StepStates[step] = &StepState{State: state, IsPlaceholder: isPlaceholder}
	s.LastActivity = time.Now()
	return m.persistLocked(ctx, s)
}

// CompleteStep marks a step completed. The chain advances only when the
// completed step is the active one and preservePlaceholder is false.
func (m *Manager) CompleteStep(ctx context.Context, sessionID string, step int, preservePlaceholder bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.getLocked(sessionID, "CompleteStep")
	if err != nil {
		return err
	}
	if step < 1 || step > s.TotalSteps {
		return errors.New("session", "CompleteStep",
			fmt.Errorf("step %d out of range [1,%d]", step, s.TotalSteps)).WithKind(errors.KindValidation)
	}

	s.StepStates[step] = &StepState{State: StepCompleted, IsPlaceholder: preservePlaceholder}
	if !preservePlaceholder && step == s.CurrentStep+1 {
		s.CurrentStep = step
		s.ExecutionOrder = append(s.ExecutionOrder, step)
	}
	s.LastActivity = time.Now()
	if err := m.persistLocked(ctx, s); err != nil {
		return err
	}

	if s.Completed() {
		m.publish(events.EventSessionCompleted, s, "")
		logger.SessionEvent("completed", sessionID, s.CurrentStep, s.TotalSteps)
	}
	return nil
}

// JumpToStep moves the chain so that target becomes the active step, as
// branch_to and skip_to demand. Steps between the old position and the
// target are marked skipped with empty results; a backward jump re-arms
// the target and everything after it as pending. A target one past the
// last step skips through the end and completes the chain.
func (m *Manager) JumpToStep(ctx context.Context, sessionID string, target int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.getLocked(sessionID, "JumpToStep")
	if err != nil {
		return err
	}
	if target < 1 || target > s.TotalSteps+1 {
		return errors.New("session", "JumpToStep",
			fmt.Errorf("target step %d out of range [1,%d]", target, s.TotalSteps+1)).WithKind(errors.KindValidation)
	}

	if s.ChainContext.StepResults == nil {
		s.ChainContext.StepResults = make(map[int]string)
	}
	for step := s.CurrentStep + 1; step < target; step++ {
		s.StepStates[step] = &StepState{State: StepSkipped, IsPlaceholder: true}
		s.ChainContext.StepResults[step] = ""
	}
	for step := target; step <= s.TotalSteps; step++ {
		s.StepStates[step] = &StepState{State: StepPending}
	}
	s.CurrentStep = target - 1
	s.LastActivity = time.Now()
	if err := m.persistLocked(ctx, s); err != nil {
		return err
	}

	if s.Completed() {
		m.publish(events.EventSessionCompleted, s, "")
		logger.SessionEvent("completed", sessionID, s.CurrentStep, s.TotalSteps)
	}
	return nil
}

// RecordStepResult stores a step's result text in the chain context.
func (m *Manager) RecordStepResult(ctx context.Context, sessionID string, step int, result string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.getLocked(sessionID, "RecordStepResult")
	if err != nil {
		return err
	}
	if s.ChainContext.StepResults == nil {
		s.ChainContext.StepResults = make(map[int]string)
	}
	s.ChainContext.StepResults[step] = result
	s.LastActivity = time.Now()
	return m.persistLocked(ctx, s)
}

// SetStepArgs records the args the active step renders with; templates
// see them via the context's `input` alias.
func (m *Manager) SetStepArgs(ctx context.Context, sessionID string, args map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.getLocked(sessionID, "SetStepArgs")
	if err != nil {
		return err
	}
	s.CurrentStepArgs = copyStringMap(args)
	s.LastActivity = time.Now()
	return m.persistLocked(ctx, s)
}

// GetChainContext assembles the rendering view for the active step.
func (m *Manager) GetChainContext(sessionID string) (*Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.getLocked(sessionID, "GetChainContext")
	if err != nil {
		return nil, err
	}
	args := copyStringMap(s.CurrentStepArgs)
	return &Context{
		ChainID:         s.ChainID,
		ChainRunID:      s.ChainRunID,
		TotalSteps:      s.TotalSteps,
		CurrentStep:     s.ActiveStep(),
		CurrentStepArgs: args,
		StepResults:     copyIntMap(s.ChainContext.StepResults),
		Input:           args,
		ChainMetadata:   copyAnyMap(s.Metadata),
	}, nil
}

// SetPendingGateReview suspends the chain on a gate review.
func (m *Manager) SetPendingGateReview(ctx context.Context, sessionID string, review *gates.Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.getLocked(sessionID, "SetPendingGateReview")
	if err != nil {
		return err
	}
	r := *review
	s.PendingGateReview = &r
	s.LastActivity = time.Now()
	if err := m.persistLocked(ctx, s); err != nil {
		return err
	}
	m.publish(events.EventSessionSuspended, s, review.GateID)
	logger.SessionEvent("suspended", sessionID, s.ActiveStep(), s.TotalSteps, "gate_id", review.GateID)
	return nil
}

// GetPendingGateReview returns the suspending review, if any.
func (m *Manager) GetPendingGateReview(sessionID string) (*gates.Review, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.PendingGateReview == nil {
		return nil, false
	}
	r := *s.PendingGateReview
	return &r, true
}

// ClearPendingGateReview resumes a suspended chain.
func (m *Manager) ClearPendingGateReview(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.getLocked(sessionID, "ClearPendingGateReview")
	if err != nil {
		return err
	}
	s.PendingGateReview = nil
	s.LastActivity = time.Now()
	if err := m.persistLocked(ctx, s); err != nil {
		return err
	}
	m.publish(events.EventSessionResumed, s, "")
	return nil
}

// UpdateSessionBlueprint replaces the stored chain snapshot with a deep
// copy of bp; later mutation of bp does not reach the session.
func (m *Manager) UpdateSessionBlueprint(ctx context.Context, sessionID string, bp *prompt.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.getLocked(sessionID, "UpdateSessionBlueprint")
	if err != nil {
		return err
	}
	s.SessionBlueprint = prompt.Clone(bp)
	s.LastActivity = time.Now()
	return m.persistLocked(ctx, s)
}

// ResumeStep applies the resumption protocol: the client's response
// completes the active step, its text becomes that step's result, and the
// chain advances. Suspended sessions refuse to resume without a verdict.
func (m *Manager) ResumeStep(ctx context.Context, sessionID, result string) (*ChainSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.getLocked(sessionID, "ResumeStep")
	if err != nil {
		return nil, err
	}
	if s.Suspended() {
		return nil, errors.New("session", "ResumeStep",
			fmt.Errorf("session '%s' is pending gate review; supply gate_verdict", sessionID)).
			WithKind(errors.KindSession).
			WithDetails(map[string]any{"session_id": sessionID, "gate_id": s.PendingGateReview.GateID})
	}
	if s.Completed() {
		return nil, errors.New("session", "ResumeStep",
			fmt.Errorf("session '%s' already completed all %d steps", sessionID, s.TotalSteps)).
			WithKind(errors.KindSession)
	}

	step := s.ActiveStep()
	s.StepStates[step] = &StepState{State: StepCompleted}
	if s.ChainContext.StepResults == nil {
		s.ChainContext.StepResults = make(map[int]string)
	}
	s.ChainContext.StepResults[step] = result
	s.CurrentStep = step
	s.ExecutionOrder = append(s.ExecutionOrder, step)
	s.LastActivity = time.Now()
	if err := m.persistLocked(ctx, s); err != nil {
		return nil, err
	}

	m.publish(events.EventSessionResumed, s, "")
	if s.Completed() {
		m.publish(events.EventSessionCompleted, s, "")
		logger.SessionEvent("completed", sessionID, s.CurrentStep, s.TotalSteps)
	} else {
		logger.SessionEvent("resumed", sessionID, s.ActiveStep(), s.TotalSteps)
	}
	return s.clone(), nil
}

// DeleteSession removes a session outright.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return nil
	}
	delete(m.sessions, sessionID)
	if err := m.store.Delete(ctx, sessionID); err != nil {
		return errors.New("session", "DeleteSession", err).WithKind(errors.KindPersistence)
	}
	return nil
}

// CleanupStaleSessions removes sessions idle past their class TTL:
// suspended (review) sessions expire on the shorter review TTL, running
// chains on the chain TTL. Returns the number removed.
func (m *Manager) CleanupStaleSessions(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, s := range m.sessions {
		ttl := m.opts.ChainTTL
		if s.Suspended() {
			ttl = m.opts.ReviewTTL
		}
		if now.Sub(s.LastActivity) <= ttl {
			continue
		}
		delete(m.sessions, id)
		if err := m.store.Delete(ctx, id); err != nil {
			m.log.Error("failed to delete expired session", "session_id", id, "error", err)
		}
		m.publish(events.EventSessionExpired, s, "")
		logger.SessionEvent("expired", id, s.ActiveStep(), s.TotalSteps,
			"idle", now.Sub(s.LastActivity).Round(time.Second).String())
		removed++
	}
	return removed
}

// StartCleanup runs the TTL sweep on the configured interval until ctx is
// cancelled or Shutdown is called.
func (m *Manager) StartCleanup(ctx context.Context) {
	m.cleanupOnce.Do(func() {
		go func() {
			defer close(m.done)
			ticker := time.NewTicker(m.opts.CleanupInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-m.stop:
					return
				case <-ticker.C:
					if n := m.CleanupStaleSessions(ctx); n > 0 {
						m.log.Info("expired stale sessions", "count", n)
					}
				}
			}
		}()
	})
}

// Shutdown stops the cleanup scheduler and closes the store. Pending
// writes are already flushed because every mutation writes through.
func (m *Manager) Shutdown(ctx context.Context) error {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	m.cleanupOnce.Do(func() { close(m.done) })
	select {
	case <-m.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return m.store.Close()
}

func (m *Manager) getLocked(sessionID, op string) (*ChainSession, error) {
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, errors.New("session", op,
			fmt.Errorf("no active session '%s'", sessionID)).
			WithKind(errors.KindSession).
			WithDetails(map[string]any{"session_id": sessionID})
	}
	return s, nil
}

func (m *Manager) persistLocked(ctx context.Context, s *ChainSession) error {
	if err := m.store.Put(ctx, s); err != nil {
		m.log.Error("session persistence failed", "session_id", s.SessionID, "error", err)
		return errors.New("session", "persist", err).WithKind(errors.KindPersistence)
	}
	return nil
}

func (m *Manager) publish(t events.EventType, s *ChainSession, gateID string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(&events.Event{
		Type:      t,
		Timestamp: time.Now(),
		SessionID: s.SessionID,
		Data: events.SessionEventData{
			ChainID:     s.ChainID,
			CurrentStep: s.CurrentStep,
			TotalSteps:  s.TotalSteps,
			GateID:      gateID,
		},
	})
}
