package logstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrNoSession is returned when an identity has no open session.
var ErrNoSession = errors.New("no open session")

type sessionMessage struct {
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
}

type session struct {
	identity string
	txID     string
	path     string // empty when the sessions directory is unavailable
	pending  []sessionMessage
	written  int
}

func (s *Store) sessionDir(identity string) string {
	return filepath.Join(s.opts.Dir, "sessions", safeName(identity))
}

// SessionPath returns the transcript file of identity's transaction txID.
func (s *Store) SessionPath(identity, txID string) string {
	return filepath.Join(s.sessionDir(identity), safeName(txID)+".json")
}

// StartSession opens a transcript for identity's transaction txID. A
// session still open for identity is finalized first, as is any transcript
// left unterminated on disk by an earlier process.
func (s *Store) StartSession(identity, txID string) error {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()

	if open, ok := s.sessions[identity]; ok {
		delete(s.sessions, identity)
		if err := s.finalize(open); err != nil {
			return fmt.Errorf("finalize session %s for %s: %w", open.txID, identity, err)
		}
	} else if s.opts.Dir != "" {
		if err := repairTranscripts(s.sessionDir(identity)); err != nil {
			s.logger.Printf("Error repairing session transcripts for %s: %v", identity, err)
		}
	}

	sess := &session{identity: identity, txID: txID}
	if s.opts.Dir != "" {
		dir := s.sessionDir(identity)
		s.mu.Lock()
		ok := s.ensureDir(dir)
		s.mu.Unlock()
		if ok {
			sess.path = s.SessionPath(identity, txID)
			if err := os.WriteFile(sess.path, []byte("["), 0o644); err != nil {
				return fmt.Errorf("open session transcript: %w", err)
			}
		}
	}
	s.sessions[identity] = sess
	return nil
}

// AppendSessionMessage buffers text in identity's open session, flushing
// once the buffer is full.
func (s *Store) AppendSessionMessage(identity, text string) error {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()

	sess, ok := s.sessions[identity]
	if !ok {
		return ErrNoSession
	}
	sess.pending = append(sess.pending, sessionMessage{
		Timestamp: s.opts.Now().UTC().Format(time.RFC3339Nano),
		Message:   text,
	})
	if len(sess.pending) >= s.opts.SessionFlushLimit {
		return s.flush(sess)
	}
	return nil
}

// EndSession flushes and closes identity's open session.
func (s *Store) EndSession(identity string) error {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()

	sess, ok := s.sessions[identity]
	if !ok {
		return ErrNoSession
	}
	delete(s.sessions, identity)
	return s.finalize(sess)
}

// EndSessionsFor closes every open session of serial's identities.
func (s *Store) EndSessionsFor(serial string) error {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()

	var errs []error
	for identity, sess := range s.sessions {
		if identity != serial && !strings.HasPrefix(identity, serial+"#") {
			continue
		}
		delete(s.sessions, identity)
		if err := s.finalize(sess); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", identity, err))
		}
	}
	return errors.Join(errs...)
}

// ActiveSession reports the transaction of identity's open session.
func (s *Store) ActiveSession(identity string) (string, bool) {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()

	sess, ok := s.sessions[identity]
	if !ok {
		return "", false
	}
	return sess.txID, true
}

// flush writes buffered messages. On error the buffer is kept so the caller
// may retry; a partial write leaves the transcript corrupt.
func (s *Store) flush(sess *session) error {
	if len(sess.pending) == 0 {
		return nil
	}
	if sess.path == "" {
		sess.written += len(sess.pending)
		sess.pending = sess.pending[:0]
		return nil
	}

	var buf bytes.Buffer
	for i, msg := range sess.pending {
		if sess.written+i > 0 {
			buf.WriteByte(',')
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		buf.Write(data)
	}

	f, err := os.OpenFile(sess.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("flush session %s: %w", sess.txID, err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("flush session %s: %w", sess.txID, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("flush session %s: %w", sess.txID, err)
	}
	sess.written += len(sess.pending)
	sess.pending = sess.pending[:0]
	return nil
}

func (s *Store) finalize(sess *session) error {
	if err := s.flush(sess); err != nil {
		return err
	}
	if sess.path == "" {
		return nil
	}
	return appendBytes(sess.path, []byte("]"))
}

func appendBytes(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// repairTranscripts closes transcripts in dir that were opened but never
// terminated, e.g. by a crash mid-session.
func repairTranscripts(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		trimmed := bytes.TrimSpace(data)
		if len(trimmed) == 0 || trimmed[len(trimmed)-1] == ']' {
			continue
		}
		if err := appendBytes(path, []byte("]")); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
