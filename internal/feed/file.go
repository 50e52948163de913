package feed

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/scopevis/scopevis/internal/domain"
	"github.com/scopevis/scopevis/internal/logging"
)

// FileSource reads a JSON-lines event file. In follow mode it keeps the
// file open after EOF and picks up appended lines as the producer writes
// them, partial trailing lines included.
type FileSource struct {
	path   string
	follow bool
	log    *slog.Logger

	out     chan domain.RawEvent
	done    chan struct{}
	watcher *fsnotify.Watcher

	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

// FollowFile tails an event file, replaying its existing content first.
// The source ends when the end-of-stream record arrives or Close is called.
func FollowFile(path string, log *slog.Logger) (*FileSource, error) {
	return newFileSource(path, true, false, log)
}

// TailFile follows an event file from its current end, skipping existing
// content. Tasks already alive surface as placeholders until their later
// events fill them in.
func TailFile(path string, log *slog.Logger) (*FileSource, error) {
	return newFileSource(path, true, true, log)
}

// ReadFile reads an event file to EOF and ends. A file without an explicit
// end-of-stream record still counts as a clean end.
func ReadFile(path string, log *slog.Logger) (*FileSource, error) {
	return newFileSource(path, false, false, log)
}

func newFileSource(path string, follow, tail bool, log *slog.Logger) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("event file: %w", err)
	}
	if tail {
		if err := seekTail(f); err != nil {
			f.Close()
			return nil, fmt.Errorf("event file: %w", err)
		}
	}
	if log == nil {
		log = logging.NewNop()
	}

	s := &FileSource{
		path:   path,
		follow: follow,
		log:    log,
		out:    make(chan domain.RawEvent),
		done:   make(chan struct{}),
	}

	var kick chan struct{}
	if follow {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("watch event file: %w", err)
		}
		// watch the directory so rotation and recreation still wake us
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			watcher.Close()
			f.Close()
			return nil, fmt.Errorf("watch event file: %w", err)
		}
		s.watcher = watcher
		kick = make(chan struct{}, 1)
		go s.watchLoop(kick)
	}

	go s.run(f, kick)
	return s, nil
}

// Events returns the event channel; it closes when the stream ends
func (s *FileSource) Events() <-chan domain.RawEvent { return s.out }

// Err reports why the stream ended, nil for a clean end
func (s *FileSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the source. Safe to call more than once.
func (s *FileSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.watcher != nil {
			s.watcher.Close()
		}
	})
	return nil
}

func (s *FileSource) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// watchLoop coalesces file change notifications into a capacity-one kick
// channel so the reader never falls behind the notifier
func (s *FileSource) watchLoop(kick chan struct{}) {
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Name != s.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			select {
			case kick <- struct{}{}:
			default:
			}
		case _, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			// keep watching; the reader still drains on the next kick
		}
	}
}

func (s *FileSource) run(f *os.File, kick chan struct{}) {
	defer close(s.out)
	defer f.Close()

	reader := bufio.NewReader(f)
	var partial []byte

	for {
		chunk, err := reader.ReadBytes('\n')
		switch {
		case err == nil:
			line := chunk
			if len(partial) > 0 {
				line = append(partial, chunk...)
				partial = nil
			}
			if s.emit(line) {
				return
			}

		case err == io.EOF:
			// hold the fragment until the rest of the line arrives
			partial = append(partial, chunk...)
			if !s.follow {
				if s.emitFinal(partial) {
					return
				}
				return
			}
			select {
			case <-s.done:
				return
			case <-kick:
			}

		default:
			s.setErr(err)
			return
		}
	}
}

// emit decodes one complete line and sends it. Returns true when the
// stream is over, either cleanly or because the source was closed.
func (s *FileSource) emit(line []byte) bool {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return false
	}
	raw, end, err := DecodeLine(line)
	if err != nil {
		// surface as a zero event so the malformed counter sees it
		s.log.Warn("undecodable event line", "err", err)
		raw = domain.RawEvent{}
	}
	if end {
		return true
	}
	select {
	case s.out <- raw:
		return false
	case <-s.done:
		return true
	}
}

// emitFinal flushes a trailing line with no newline at EOF
func (s *FileSource) emitFinal(partial []byte) bool {
	if len(bytes.TrimSpace(partial)) == 0 {
		return false
	}
	return s.emit(partial)
}

// seekTail positions f after its last newline. A line the producer is
// mid-way through writing stays ahead of the position, so it is still
// delivered whole once completed.
func seekTail(f *os.File) error {
	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	buf := make([]byte, 1)
	pos := end
	for pos > 0 {
		if _, err := f.ReadAt(buf, pos-1); err != nil {
			return err
		}
		if buf[0] == '\n' {
			break
		}
		pos--
	}
	_, err = f.Seek(pos, io.SeekStart)
	return err
}
