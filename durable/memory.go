package durable

import (
	"context"
	"sync"
	"time"

	"github.com/tailored-agentic-units/trellico/core/protocol"
)

type memoryStore struct {
	mu     sync.RWMutex
	doc    *document
	closed bool
}

// NewMemoryStore creates a Store that keeps everything in process memory.
func NewMemoryStore() Store {
	return &memoryStore{doc: newDocument()}
}

func (m *memoryStore) write(fn func(*document) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return fn(m.doc)
}

func (m *memoryStore) read(fn func(*document)) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	fn(m.doc)
	return nil
}

func (m *memoryStore) CreateSession(_ context.Context, s Session) error {
	return m.write(func(d *document) error {
		d.createSession(s, time.Now().UTC())
		return nil
	})
}

func (m *memoryStore) SaveMessage(_ context.Context, sessionID string, seq int, msg protocol.Message) error {
	return m.write(func(d *document) error {
		return d.saveMessage(sessionID, seq, msg)
	})
}

func (m *memoryStore) SessionMessages(_ context.Context, sessionID string) ([]protocol.Message, error) {
	var out []protocol.Message
	err := m.read(func(d *document) { out = d.sessionMessages(sessionID) })
	return out, err
}

func (m *memoryStore) NextSequence(_ context.Context, sessionID string) (int, error) {
	var next int
	err := m.read(func(d *document) { next = d.nextSequence(sessionID) })
	return next, err
}

func (m *memoryStore) FolderSessions(_ context.Context, workDir string) ([]Session, error) {
	var out []Session
	err := m.read(func(d *document) { out = d.folderSessions(workDir) })
	return out, err
}

func (m *memoryStore) SaveIteration(_ context.Context, it Iteration) error {
	return m.write(func(d *document) error {
		return d.saveIteration(it, time.Now().UTC())
	})
}

func (m *memoryStore) UpdateIterationStatus(_ context.Context, key TaskKey, number int, status Status) error {
	if !status.Valid() {
		return ErrInvalidIteration
	}
	return m.write(func(d *document) error {
		return d.updateIteration(key, number, func(it *Iteration) { it.Status = status })
	})
}

func (m *memoryStore) UpdateIterationSessionID(_ context.Context, key TaskKey, number int, sessionID string) error {
	return m.write(func(d *document) error {
		return d.updateIteration(key, number, func(it *Iteration) { it.SessionID = sessionID })
	})
}

func (m *memoryStore) Iterations(_ context.Context, key TaskKey) ([]Iteration, error) {
	var out []Iteration
	err := m.read(func(d *document) { out = d.iterations(key) })
	return out, err
}

func (m *memoryStore) MarkRunningStopped(_ context.Context) (int, error) {
	var n int
	err := m.write(func(d *document) error {
		n = d.markRunningStopped()
		return nil
	})
	return n, err
}

func (m *memoryStore) DeleteTaskIterations(_ context.Context, key TaskKey) error {
	return m.write(func(d *document) error {
		d.deleteTaskIterations(key)
		return nil
	})
}

func (m *memoryStore) SaveLink(_ context.Context, l SessionLink) error {
	return m.write(func(d *document) error {
		return d.saveLink(l, time.Now().UTC())
	})
}

func (m *memoryStore) LinkByFile(_ context.Context, workDir, fileName string, typ LinkType) (SessionLink, error) {
	var (
		l    SessionLink
		lerr error
	)
	if err := m.read(func(d *document) { l, lerr = d.linkByFile(workDir, fileName, typ) }); err != nil {
		return SessionLink{}, err
	}
	return l, lerr
}

func (m *memoryStore) RenameLink(_ context.Context, workDir string, typ LinkType, oldName, newName string) error {
	return m.write(func(d *document) error {
		return d.renameLink(workDir, typ, oldName, newName, time.Now().UTC())
	})
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
