package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/tailored-agentic-units/trellico/core/protocol"
)

// fileStore keeps the whole document in one JSON file. Every operation takes
// an exclusive file lock so several processes can share the file; writes go
// to a temp file that is renamed over the original.
type fileStore struct {
	path string
	lock *flock.Flock

	mu     sync.Mutex
	closed bool
}

// OpenFileStore opens or creates a JSON file store at path.
func OpenFileStore(path string) (Store, error) {
	if path == "" {
		return nil, ErrPathRequired
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSaveFailed, path, err)
	}

	s := &fileStore{path: path, lock: flock.New(path + ".lock")}
	if err := s.read(context.Background(), func(*document) {}); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileStore) withLock(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	locked, err := s.lock.TryLockContext(ctx, 10*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock %s: %w", s.path, err)
	}
	if !locked {
		return fmt.Errorf("lock %s: not acquired", s.path)
	}
	defer s.lock.Unlock()

	return fn()
}

func (s *fileStore) load() (*document, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return newDocument(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLoadFailed, s.path, err)
	}

	doc := &document{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, doc); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrLoadFailed, s.path, err)
		}
	}
	doc.init()
	return doc, nil
}

func (s *fileStore) save(doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSaveFailed, s.path, err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSaveFailed, s.path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: %s: %v", ErrSaveFailed, s.path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %s: %v", ErrSaveFailed, s.path, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %s: %v", ErrSaveFailed, s.path, err)
	}
	return nil
}

func (s *fileStore) write(ctx context.Context, fn func(*document) error) error {
	return s.withLock(ctx, func() error {
		doc, err := s.load()
		if err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
		return s.save(doc)
	})
}

func (s *fileStore) read(ctx context.Context, fn func(*document)) error {
	return s.withLock(ctx, func() error {
		doc, err := s.load()
		if err != nil {
			return err
		}
		fn(doc)
		return nil
	})
}

func (s *fileStore) CreateSession(ctx context.Context, sess Session) error {
	return s.write(ctx, func(d *document) error {
		d.createSession(sess, time.Now().UTC())
		return nil
	})
}

func (s *fileStore) SaveMessage(ctx context.Context, sessionID string, seq int, msg protocol.Message) error {
	return s.write(ctx, func(d *document) error {
		return d.saveMessage(sessionID, seq, msg)
	})
}

func (s *fileStore) SessionMessages(ctx context.Context, sessionID string) ([]protocol.Message, error) {
	var out []protocol.Message
	err := s.read(ctx, func(d *document) { out = d.sessionMessages(sessionID) })
	return out, err
}

func (s *fileStore) NextSequence(ctx context.Context, sessionID string) (int, error) {
	var next int
	err := s.read(ctx, func(d *document) { next = d.nextSequence(sessionID) })
	return next, err
}

func (s *fileStore) FolderSessions(ctx context.Context, workDir string) ([]Session, error) {
	var out []Session
	err := s.read(ctx, func(d *document) { out = d.folderSessions(workDir) })
	return out, err
}

func (s *fileStore) SaveIteration(ctx context.Context, it Iteration) error {
	return s.write(ctx, func(d *document) error {
		return d.saveIteration(it, time.Now().UTC())
	})
}

func (s *fileStore) UpdateIterationStatus(ctx context.Context, key TaskKey, number int, status Status) error {
	if !status.Valid() {
		return ErrInvalidIteration
	}
	return s.write(ctx, func(d *document) error {
		return d.updateIteration(key, number, func(it *Iteration) { it.Status = status })
	})
}

func (s *fileStore) UpdateIterationSessionID(ctx context.Context, key TaskKey, number int, sessionID string) error {
	return s.write(ctx, func(d *document) error {
		return d.updateIteration(key, number, func(it *Iteration) { it.SessionID = sessionID })
	})
}

func (s *fileStore) Iterations(ctx context.Context, key TaskKey) ([]Iteration, error) {
	var out []Iteration
	err := s.read(ctx, func(d *document) { out = d.iterations(key) })
	return out, err
}

func (s *fileStore) MarkRunningStopped(ctx context.Context) (int, error) {
	var n int
	err := s.write(ctx, func(d *document) error {
		n = d.markRunningStopped()
		return nil
	})
	return n, err
}

func (s *fileStore) DeleteTaskIterations(ctx context.Context, key TaskKey) error {
	return s.write(ctx, func(d *document) error {
		d.deleteTaskIterations(key)
		return nil
	})
}

func (s *fileStore) SaveLink(ctx context.Context, l SessionLink) error {
	return s.write(ctx, func(d *document) error {
		return d.saveLink(l, time.Now().UTC())
	})
}

func (s *fileStore) LinkByFile(ctx context.Context, workDir, fileName string, typ LinkType) (SessionLink, error) {
	var (
		l    SessionLink
		lerr error
	)
	if err := s.read(ctx, func(d *document) { l, lerr = d.linkByFile(workDir, fileName, typ) }); err != nil {
		return SessionLink{}, err
	}
	return l, lerr
}

func (s *fileStore) RenameLink(ctx context.Context, workDir string, typ LinkType, oldName, newName string) error {
	return s.write(ctx, func(d *document) error {
		return d.renameLink(workDir, typ, oldName, newName, time.Now().UTC())
	})
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
