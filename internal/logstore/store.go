// Package logstore keeps per-identity charger logs in capped memory buffers
// mirrored to append-only files, and writes per-transaction session
// transcripts as JSON arrays.
package logstore

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogType separates independent log families.
type LogType string

const (
	ChargerLog   LogType = "charger"
	SimulatorLog LogType = "simulator"
)

const (
	// DefaultCapacity is the number of lines kept in memory per identity.
	DefaultCapacity = 1000

	// DefaultSessionFlushLimit is the number of buffered session messages
	// written to disk at once.
	DefaultSessionFlushLimit = 16

	timestampLayout = "2006-01-02 15:04:05.000000"
)

// Options configures a Store.
type Options struct {
	// Dir is the root log directory.
	Dir string

	// Capacity caps the in-memory buffer per identity.
	Capacity int

	// SessionFlushLimit is the session buffer size.
	SessionFlushLimit int

	// MaxFileBytes rotates a log file once it grows past this size.
	// 0 disables rotation.
	MaxFileBytes int64

	// Backups is the number of rotated files kept.
	Backups int

	Logger *log.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

type bufferKey struct {
	logType  LogType
	identity string
}

// Store is safe for concurrent use.
type Store struct {
	opts   Options
	logger *log.Logger

	mu       sync.Mutex
	buffers  map[bufferKey]*ring
	dirState map[string]bool

	sessMu   sync.Mutex
	sessions map[string]*session
}

// New creates a store rooted at opts.Dir. Directories are created lazily.
func New(opts Options) *Store {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.SessionFlushLimit <= 0 {
		opts.SessionFlushLimit = DefaultSessionFlushLimit
	}
	if opts.Backups <= 0 {
		opts.Backups = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Store{
		opts:     opts,
		logger:   logger,
		buffers:  make(map[bufferKey]*ring),
		dirState: make(map[string]bool),
		sessions: make(map[string]*session),
	}
}

// safeName maps an identity to a file name component.
func safeName(identity string) string {
	if identity == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_', r == '#':
			return r
		}
		return '_'
	}, identity)
}

func (s *Store) logPath(identity string, logType LogType) string {
	return filepath.Join(s.opts.Dir, string(logType), safeName(identity)+".log")
}

// ensureDir creates dir once and remembers the outcome. Failures leave the
// caller memory-only. Callers hold s.mu.
func (s *Store) ensureDir(dir string) bool {
	if ok, seen := s.dirState[dir]; seen {
		return ok
	}
	err := os.MkdirAll(dir, 0o755)
	if err != nil {
		s.logger.Printf("Log directory %s unavailable, keeping logs in memory only: %v", dir, err)
	}
	s.dirState[dir] = err == nil
	return err == nil
}

func formatLine(ts time.Time, text string) string {
	return ts.Format(timestampLayout) + " " + text
}

func parseLine(line string) Entry {
	if len(line) > len(timestampLayout) {
		if ts, err := time.ParseInLocation(timestampLayout, line[:len(timestampLayout)], time.UTC); err == nil {
			return Entry{Timestamp: ts, Text: line[len(timestampLayout)+1:], Line: line}
		}
	}
	return Entry{Text: line, Line: line}
}

// Append timestamps text and records it for identity.
func (s *Store) Append(identity, text string, logType LogType) {
	line := formatLine(s.opts.Now().UTC(), text)

	s.mu.Lock()
	defer s.mu.Unlock()

	key := bufferKey{logType, identity}
	buf, ok := s.buffers[key]
	if !ok {
		buf = newRing(s.opts.Capacity)
		s.buffers[key] = buf
	}
	buf.push(line)

	if s.opts.Dir == "" {
		return
	}
	path := s.logPath(identity, logType)
	if !s.ensureDir(filepath.Dir(path)) {
		return
	}
	if err := appendLine(path, line); err != nil {
		s.logger.Printf("Error writing log for %s: %v", identity, err)
		return
	}
	if s.opts.MaxFileBytes > 0 {
		if err := s.rotate(path); err != nil {
			s.logger.Printf("Error rotating log for %s: %v", identity, err)
		}
	}
}

func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// rotate shifts path to path.1 (and older backups up by one) once it is
// larger than MaxFileBytes. Callers hold s.mu.
func (s *Store) rotate(path string) error {
	info, err := os.Stat(path)
	if err != nil || info.Size() <= s.opts.MaxFileBytes {
		return err
	}
	oldest := fmt.Sprintf("%s.%d", path, s.opts.Backups)
	if err := os.Remove(oldest); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	for i := s.opts.Backups - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", path, i)
		if err := os.Rename(from, fmt.Sprintf("%s.%d", path, i+1)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return os.Rename(path, path+".1")
}

func readLines(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// Read returns the log lines for identity in chronological order, merging
// the file mirror with lines only held in memory. A positive limit keeps
// the newest lines.
func (s *Store) Read(identity string, logType LogType, limit int) []string {
	var lines []string
	if s.opts.Dir != "" {
		lines = readLines(s.logPath(identity, logType))
	}

	s.mu.Lock()
	var memory []string
	if buf, ok := s.buffers[bufferKey{logType, identity}]; ok {
		memory = buf.snapshot()
	}
	s.mu.Unlock()

	seen := make(map[string]struct{}, len(lines))
	for _, l := range lines {
		seen[l] = struct{}{}
	}
	added := false
	for _, l := range memory {
		if _, dup := seen[l]; !dup {
			lines = append(lines, l)
			seen[l] = struct{}{}
			added = true
		}
	}
	if added {
		sort.SliceStable(lines, func(i, j int) bool {
			return parseLine(lines[i]).Timestamp.Before(parseLine(lines[j]).Timestamp)
		})
	}

	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return lines
}

// Identities lists identities of serial that have logs of logType, in
// memory or on disk.
func (s *Store) Identities(logType LogType, serial string) []string {
	found := make(map[string]struct{})
	match := func(identity string) bool {
		return identity == serial || strings.HasPrefix(identity, serial+"#")
	}

	s.mu.Lock()
	for key := range s.buffers {
		if key.logType == logType && match(key.identity) {
			found[key.identity] = struct{}{}
		}
	}
	s.mu.Unlock()

	if s.opts.Dir != "" {
		entries, _ := os.ReadDir(filepath.Join(s.opts.Dir, string(logType)))
		for _, e := range entries {
			name, ok := strings.CutSuffix(e.Name(), ".log")
			if ok && !e.IsDir() && match(name) {
				found[name] = struct{}{}
			}
		}
	}

	ids := make([]string, 0, len(found))
	for id := range found {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clear removes the memory buffer, the file and its rotated backups.
func (s *Store) Clear(identity string, logType LogType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.buffers, bufferKey{logType, identity})
	if s.opts.Dir == "" {
		return nil
	}

	path := s.logPath(identity, logType)
	var errs []error
	for i := 0; i <= s.opts.Backups; i++ {
		p := path
		if i > 0 {
			p = fmt.Sprintf("%s.%d", path, i)
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ring is a fixed-capacity FIFO of log lines.
type ring struct {
	lines []string
	start int
	n     int
}

func newRing(capacity int) *ring {
	return &ring{lines: make([]string, capacity)}
}

func (r *ring) push(line string) {
	if r.n < len(r.lines) {
		r.lines[(r.start+r.n)%len(r.lines)] = line
		r.n++
		return
	}
	r.lines[r.start] = line
	r.start = (r.start + 1) % len(r.lines)
}

func (r *ring) snapshot() []string {
	out := make([]string, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.lines[(r.start+i)%len(r.lines)]
	}
	return out
}
