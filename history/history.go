// Package history reads the transcripts the agent CLI keeps on disk, so
// sessions that were never recorded by trellico can still be viewed.
package history

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/tailored-agentic-units/trellico/core/protocol"
	"github.com/tailored-agentic-units/trellico/stream"
)

var ErrInvalidSessionID = errors.New("invalid session id")

const readChunk = 32 << 10

// Loader reads transcripts below a home directory.
type Loader struct {
	home   string
	stream stream.Config
}

// NewLoader creates a Loader rooted at home. An empty home uses the
// current user's home directory.
func NewLoader(home string) (*Loader, error) {
	if home == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home: %w", err)
		}
		home = h
	}
	return &Loader{home: home, stream: stream.DefaultConfig()}, nil
}

// ProjectDir returns the directory the agent CLI keeps workDir's
// transcripts in: the path with every separator replaced by a dash.
func ProjectDir(home, workDir string) string {
	return filepath.Join(home, ".claude", "projects", strings.ReplaceAll(filepath.ToSlash(workDir), "/", "-"))
}

// Path returns the transcript file of one session.
func (l *Loader) Path(workDir, sessionID string) string {
	return filepath.Join(ProjectDir(l.home, workDir), sessionID+".jsonl")
}

// Load returns the user and assistant records of a session transcript in
// file order. A missing transcript yields no messages and no error.
// Unparseable lines are skipped.
func (l *Loader) Load(ctx context.Context, workDir, sessionID string) ([]protocol.Message, error) {
	if sessionID == "" || strings.ContainsAny(sessionID, `/\`) || sessionID == "." || sessionID == ".." {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}

	f, err := os.Open(l.Path(workDir, sessionID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	demux := stream.New(&l.stream)
	demux.Register(sessionID)

	var out []protocol.Message
	keep := func(msgs []protocol.Message) {
		for _, m := range msgs {
			if m.Type == protocol.TypeUser || m.Type == protocol.TypeAssistant {
				out = append(out, m)
			}
		}
	}

	buf := make([]byte, readChunk)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := f.Read(buf)
		if n > 0 {
			keep(demux.Feed(sessionID, buf[:n]))
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read transcript: %w", err)
		}
	}
	keep(demux.Flush(sessionID))
	return out, nil
}
