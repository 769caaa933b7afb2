package session

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/tailored-agentic-units/trellico/core/protocol"
	"github.com/tailored-agentic-units/trellico/observability"
)

// Session store event types.
const (
	EventProcessStart  observability.EventType = "session.process.start"
	EventProcessEnd    observability.EventType = "session.process.end"
	EventMessageAppend observability.EventType = "session.message.append"
	EventViewSwitch    observability.EventType = "session.view.switch"
	EventReconciled    observability.EventType = "session.reconciled"
	EventDiscarded     observability.EventType = "session.discarded"
)

type entry struct {
	messages []protocol.Message
}

// view is attached when it reads from the arena and detached when it holds
// its own historical snapshot.
type view struct {
	sessionID string
	attached  bool
	snapshot  []protocol.Message
}

// Store is the single-writer session state container.
type Store struct {
	mu        sync.RWMutex
	version   uint64
	sessions  map[string]*entry
	processes map[string]string
	view      view

	subs    map[uint64]*changeChannel
	nextSub uint64
	buffer  int

	observer observability.Observer
}

// Option configures a Store.
type Option func(*Store)

// WithObserver overrides the default no-op observer.
func WithObserver(o observability.Observer) Option {
	return func(s *Store) { s.observer = o }
}

// New creates a Store from configuration.
func New(cfg *Config, opts ...Option) *Store {
	c := DefaultConfig()
	if cfg != nil {
		c.Merge(cfg)
	}

	s := &Store{
		sessions:  make(map[string]*entry),
		processes: make(map[string]string),
		subs:      make(map[uint64]*changeChannel),
		buffer:    c.SubscriberBuffer,
		observer:  observability.NoOpObserver{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartProcess registers a live session for processID and makes it the
// active view. With an empty resumeSessionID the session is keyed
// provisionally. When resuming the session that is currently viewed, its
// displayed messages carry over into the live session.
func (s *Store) StartProcess(processID, resumeSessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := resumeSessionID
	if key == "" {
		key = ProvisionalKey(processID)
	}

	e, exists := s.sessions[key]
	if !exists {
		e = &entry{}
		if resumeSessionID != "" && s.view.sessionID == resumeSessionID && !s.view.attached {
			e.messages = cloneMessages(s.view.snapshot)
		}
		s.sessions[key] = e
	}

	s.processes[processID] = key
	s.view = view{sessionID: key, attached: true}

	s.commit(Change{Kind: ChangeProcessStarted, SessionID: key, ProcessID: processID})
	s.emit(EventProcessStart, observability.LevelInfo, map[string]any{
		"process_id": processID,
		"session_id": key,
		"resumed":    resumeSessionID != "",
		"seeded":     len(e.messages),
	})
	return key
}

// AddMessage appends msg to the session mapped to processID. It reports
// false, changing nothing, when the process is unknown.
func (s *Store) AddMessage(msg protocol.Message, processID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.processes[processID]
	if !ok {
		return false
	}

	e := s.sessions[key]
	e.messages = append(e.messages, msg.Clone())

	s.commit(Change{Kind: ChangeMessageAppended, SessionID: key, ProcessID: processID})
	s.emit(EventMessageAppend, observability.LevelVerbose, map[string]any{
		"process_id": processID,
		"session_id": key,
		"type":       string(msg.Type),
		"count":      len(e.messages),
	})
	return true
}

// EndProcess removes process bookkeeping. The session's messages are kept
// until Discard. Unknown processes are ignored.
func (s *Store) EndProcess(processID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.processes[processID]
	if !ok {
		return
	}
	delete(s.processes, processID)

	s.commit(Change{Kind: ChangeProcessEnded, SessionID: key, ProcessID: processID})
	s.emit(EventProcessEnd, observability.LevelInfo, map[string]any{
		"process_id": processID,
		"session_id": key,
	})
}

// ViewSession switches the active view. A live target is shown from the
// store's own messages and snapshot is ignored. Otherwise snapshot is
// adopted; a nil snapshot falls back to messages the store still retains.
// An empty sessionID detaches the view.
func (s *Store) ViewSession(sessionID string, snapshot []protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case sessionID == "":
		s.view = view{}
	case s.isLive(sessionID):
		s.view = view{sessionID: sessionID, attached: true}
	case snapshot != nil:
		s.view = view{sessionID: sessionID, snapshot: cloneMessages(snapshot)}
	default:
		_, retained := s.sessions[sessionID]
		s.view = view{sessionID: sessionID, attached: retained}
	}

	s.commit(Change{Kind: ChangeViewSwitched, SessionID: sessionID})
	s.emit(EventViewSwitch, observability.LevelVerbose, map[string]any{
		"session_id": sessionID,
		"live":       s.isLive(sessionID),
	})
}

// ClearView detaches the view.
func (s *Store) ClearView() {
	s.ViewSession("", nil)
}

// Reconcile moves the messages of processID's provisional session to
// realID, appending to any messages realID already holds, and repoints the
// process mapping and the view. Reconciling to the id the process already
// maps to is a no-op. A process whose session is already resolved to a
// different id yields ErrAlreadyResolved.
func (s *Store) Reconcile(processID, realID string) (Reconciliation, error) {
	if realID == "" {
		return Reconciliation{}, ErrEmptySessionID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.processes[processID]
	if !ok {
		return Reconciliation{}, fmt.Errorf("%w: %s", ErrUnknownProcess, processID)
	}

	result := Reconciliation{ProcessID: processID, From: current, To: realID}
	if current == realID {
		result.Messages = cloneMessages(s.sessions[realID].messages)
		return result, nil
	}
	if !IsProvisional(current) {
		return result, fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, processID, current)
	}

	src := s.sessions[current]
	result.Migrated = len(src.messages)

	dst, exists := s.sessions[realID]
	if !exists {
		dst = &entry{}
		s.sessions[realID] = dst
	}
	dst.messages = append(dst.messages, src.messages...)
	delete(s.sessions, current)

	for pid, key := range s.processes {
		if key == current {
			s.processes[pid] = realID
		}
	}
	if s.view.sessionID == current {
		s.view = view{sessionID: realID, attached: true}
	}

	result.Messages = cloneMessages(dst.messages)

	s.commit(Change{Kind: ChangeReconciled, SessionID: realID, ProcessID: processID, PreviousID: current})
	s.emit(EventReconciled, observability.LevelInfo, map[string]any{
		"process_id": processID,
		"from":       current,
		"session_id": realID,
		"migrated":   result.Migrated,
		"merged":     exists,
	})
	return result, nil
}

// Discard drops a session's retained messages. Live sessions cannot be
// discarded. If the session is viewed, the view keeps a frozen copy.
func (s *Store) Discard(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isLive(sessionID) {
		return fmt.Errorf("%w: %s", ErrSessionRunning, sessionID)
	}
	e, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	if s.view.sessionID == sessionID && s.view.attached {
		s.view = view{sessionID: sessionID, snapshot: e.messages}
	}
	delete(s.sessions, sessionID)

	s.commit(Change{Kind: ChangeDiscarded, SessionID: sessionID})
	s.emit(EventDiscarded, observability.LevelVerbose, map[string]any{"session_id": sessionID})
	return nil
}

// IsSessionRunning reports whether any live process maps to sessionID.
func (s *Store) IsSessionRunning(sessionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isLive(sessionID)
}

// HasAnyRunning reports whether any process is live.
func (s *Store) HasAnyRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.processes) > 0
}

// ProcessSessionID returns the session key processID currently maps to.
func (s *Store) ProcessSessionID(processID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.processes[processID]
	return key, ok
}

// Messages returns a copy of the messages the store holds for sessionID.
func (s *Store) Messages(sessionID string) []protocol.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	return cloneMessages(e.messages)
}

// View returns the active view.
func (s *Store) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentView()
}

// Version returns the version of the last mutation.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Sessions summarizes every session the store holds, sorted by id.
func (s *Store) Sessions() []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionInfos()
}

// Snapshot returns a consistent copy of the whole store.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	running := make(map[string]string, len(s.processes))
	for pid, key := range s.processes {
		running[pid] = key
	}

	return Snapshot{
		Version:  s.version,
		View:     s.currentView(),
		Sessions: s.sessionInfos(),
		Running:  running,
	}
}

// Subscribe registers for change notifications. A buffer of zero uses the
// configured default.
func (s *Store) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = s.buffer
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSub++
	ch := newChangeChannel(buffer)
	s.subs[s.nextSub] = ch
	return &Subscription{id: s.nextSub, ch: ch, store: s}
}

// Watch calls fn for every change until ctx ends. Changes dropped because fn
// was slow are not replayed; fn should read the latest state from the store.
func (s *Store) Watch(ctx context.Context, fn func(Change)) error {
	sub := s.Subscribe(0)
	defer sub.Close()

	for {
		change, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		fn(change)
	}
}

func (s *Store) unsubscribe(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}

// commit must be called with the write lock held.
func (s *Store) commit(change Change) {
	s.version++
	change.Version = s.version
	for _, ch := range s.subs {
		ch.trySend(change)
	}
}

func (s *Store) emit(typ observability.EventType, level observability.Level, data map[string]any) {
	data["version"] = s.version
	observability.Emit(context.Background(), s.observer, typ, level, "session.Store", data)
}

func (s *Store) isLive(sessionID string) bool {
	if sessionID == "" {
		return false
	}
	for _, key := range s.processes {
		if key == sessionID {
			return true
		}
	}
	return false
}

func (s *Store) currentView() View {
	v := View{
		SessionID: s.view.sessionID,
		Live:      s.isLive(s.view.sessionID),
		Version:   s.version,
	}
	if s.view.attached {
		if e, ok := s.sessions[s.view.sessionID]; ok {
			v.Messages = cloneMessages(e.messages)
		}
	} else {
		v.Messages = cloneMessages(s.view.snapshot)
	}
	return v
}

func (s *Store) sessionInfos() []Info {
	procs := make(map[string][]string)
	for pid, key := range s.processes {
		procs[key] = append(procs[key], pid)
	}

	infos := make([]Info, 0, len(s.sessions))
	for id, e := range s.sessions {
		p := procs[id]
		sort.Strings(p)
		infos = append(infos, Info{
			ID:           id,
			Live:         len(p) > 0,
			Provisional:  IsProvisional(id),
			MessageCount: len(e.messages),
			Processes:    p,
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ID < infos[j].ID
	})
	return infos
}

func cloneMessages(msgs []protocol.Message) []protocol.Message {
	if msgs == nil {
		return nil
	}
	out := slices.Clone(msgs)
	for i := range out {
		out[i] = out[i].Clone()
	}
	return out
}
