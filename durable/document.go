package durable

import (
	"fmt"
	"sort"
	"time"

	"github.com/tailored-agentic-units/trellico/core/protocol"
)

const documentVersion = 1

type sequenced struct {
	Seq     int              `json:"seq"`
	Message protocol.Message `json:"message"`
}

// document is the complete state of the memory and file backends.
type document struct {
	Version    int                    `json:"version"`
	Sessions   map[string]Session     `json:"sessions"`
	Messages   map[string][]sequenced `json:"messages"`
	Iterations map[string][]Iteration `json:"iterations"`
	Links      map[string]SessionLink `json:"links,omitempty"`
}

func newDocument() *document {
	d := &document{Version: documentVersion}
	d.init()
	return d
}

func (d *document) init() {
	if d.Sessions == nil {
		d.Sessions = make(map[string]Session)
	}
	if d.Messages == nil {
		d.Messages = make(map[string][]sequenced)
	}
	if d.Iterations == nil {
		d.Iterations = make(map[string][]Iteration)
	}
	if d.Links == nil {
		d.Links = make(map[string]SessionLink)
	}
	if d.Version == 0 {
		d.Version = documentVersion
	}
}

func docKey(k TaskKey) string {
	return k.WorkDir + "\x1f" + k.Task
}

func (d *document) createSession(s Session, now time.Time) {
	if existing, ok := d.Sessions[s.ID]; ok {
		existing.UpdatedAt = now
		if s.DisplayName != "" {
			existing.DisplayName = s.DisplayName
		}
		d.Sessions[s.ID] = existing
		return
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	d.Sessions[s.ID] = s
}

func (d *document) saveMessage(sessionID string, seq int, msg protocol.Message) error {
	if seq < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidSequence, seq)
	}

	msgs := d.Messages[sessionID]
	i := sort.Search(len(msgs), func(i int) bool { return msgs[i].Seq >= seq })
	entry := sequenced{Seq: seq, Message: msg.Clone()}
	if i < len(msgs) && msgs[i].Seq == seq {
		msgs[i] = entry
	} else {
		msgs = append(msgs, sequenced{})
		copy(msgs[i+1:], msgs[i:])
		msgs[i] = entry
	}
	d.Messages[sessionID] = msgs

	if s, ok := d.Sessions[sessionID]; ok {
		s.UpdatedAt = time.Now().UTC()
		d.Sessions[sessionID] = s
	}
	return nil
}

func (d *document) sessionMessages(sessionID string) []protocol.Message {
	msgs := d.Messages[sessionID]
	out := make([]protocol.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Message.Clone()
	}
	return out
}

func (d *document) nextSequence(sessionID string) int {
	msgs := d.Messages[sessionID]
	if len(msgs) == 0 {
		return 1
	}
	return msgs[len(msgs)-1].Seq + 1
}

func (d *document) folderSessions(workDir string) []Session {
	var out []Session
	for _, s := range d.Sessions {
		if s.WorkDir == workDir {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (d *document) saveIteration(it Iteration, now time.Time) error {
	if err := validateIteration(it); err != nil {
		return err
	}

	it.Provider = ""
	key := docKey(it.Key())
	list := d.Iterations[key]
	for i := range list {
		if list[i].Number == it.Number {
			list[i].Status = it.Status
			return nil
		}
	}

	if it.CreatedAt.IsZero() {
		it.CreatedAt = now
	}
	list = append(list, it)
	sort.Slice(list, func(i, j int) bool { return list[i].Number < list[j].Number })
	d.Iterations[key] = list
	return nil
}

func (d *document) updateIteration(key TaskKey, number int, apply func(*Iteration)) error {
	list := d.Iterations[docKey(key)]
	for i := range list {
		if list[i].Number == number {
			apply(&list[i])
			return nil
		}
	}
	return fmt.Errorf("%w: %s iteration %d", ErrIterationNotFound, key, number)
}

func (d *document) iterations(key TaskKey) []Iteration {
	list := d.Iterations[docKey(key)]
	out := make([]Iteration, len(list))
	copy(out, list)
	for i := range out {
		if out[i].SessionID != "" {
			if s, ok := d.Sessions[out[i].SessionID]; ok && out[i].Provider == "" {
				out[i].Provider = s.Provider
			}
		}
	}
	return out
}

func (d *document) markRunningStopped() int {
	n := 0
	for _, list := range d.Iterations {
		for i := range list {
			if list[i].Status == StatusRunning {
				list[i].Status = StatusStopped
				n++
			}
		}
	}
	return n
}

func (d *document) deleteTaskIterations(key TaskKey) {
	delete(d.Iterations, docKey(key))
}

func linkKey(workDir string, typ LinkType, fileName string) string {
	return workDir + "\x1f" + string(typ) + "\x1f" + fileName
}

func (d *document) saveLink(l SessionLink, now time.Time) error {
	if err := validateLink(l); err != nil {
		return err
	}

	key := linkKey(l.WorkDir, l.Type, l.FileName)
	if existing, ok := d.Links[key]; ok {
		existing.SessionID = l.SessionID
		existing.UpdatedAt = now
		d.Links[key] = existing
		return nil
	}
	l.Provider = ""
	l.CreatedAt = now
	l.UpdatedAt = now
	d.Links[key] = l
	return nil
}

func (d *document) linkByFile(workDir, fileName string, typ LinkType) (SessionLink, error) {
	l, ok := d.Links[linkKey(workDir, typ, fileName)]
	if !ok {
		return SessionLink{}, fmt.Errorf("%w: %s %s", ErrLinkNotFound, typ, fileName)
	}
	if s, ok := d.Sessions[l.SessionID]; ok {
		l.Provider = s.Provider
	}
	return l, nil
}

func (d *document) renameLink(workDir string, typ LinkType, oldName, newName string, now time.Time) error {
	if newName == "" {
		return fmt.Errorf("%w: empty file name", ErrInvalidLink)
	}
	from := linkKey(workDir, typ, oldName)
	l, ok := d.Links[from]
	if !ok || oldName == newName {
		return nil
	}
	delete(d.Links, from)
	l.FileName = newName
	l.UpdatedAt = now
	d.Links[linkKey(workDir, typ, newName)] = l
	return nil
}
