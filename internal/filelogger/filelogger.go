// Package filelogger implements a coalescing, append-only async file
// writer: log calls enqueue and return immediately, a single
// background writer drains the queue into a growing buffer and issues
// at most one outstanding write at a time, and copy_and_truncate
// rotates the underlying file without losing in-flight entries.
package filelogger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pooldance/pool-dance/internal/logging"
)

type flushRequest struct {
	done chan struct{}
}

// FileLogger is a single append-only log file fed by an in-memory
// queue drained on a dedicated goroutine.
type FileLogger struct {
	file *os.File
	path string

	mu      sync.Mutex
	queue   []string
	buffer  bytes.Buffer
	frozen  bool

	wake    chan struct{}
	flushCh chan flushRequest
	quit    chan struct{}
	wg      sync.WaitGroup
}

// New opens (creating if necessary) the file at path for appending and
// starts its background writer.
func New(path string) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return NewFromFile(f), nil
}

// NewFromFile wraps an already-open file (used by round manager, which
// needs to distinguish "created fresh" from "already existed" before
// handing the descriptor off).
func NewFromFile(f *os.File) *FileLogger {
	l := &FileLogger{
		file:    f,
		path:    f.Name(),
		wake:    make(chan struct{}, 1),
		flushCh: make(chan flushRequest),
		quit:    make(chan struct{}),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

// Log enqueues entry, terminated with a newline, and returns
// immediately. The entry reaches disk the next time the background
// writer drains (subject to Freeze).
func (l *FileLogger) Log(entry string) {
	l.mu.Lock()
	l.queue = append(l.queue, entry+"\n")
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Freeze pauses draining of newly queued entries into the write
// buffer. Log calls still enqueue while frozen.
func (l *FileLogger) Freeze() {
	l.mu.Lock()
	l.frozen = true
	l.mu.Unlock()
}

// Thaw resumes draining.
func (l *FileLogger) Thaw() {
	l.mu.Lock()
	l.frozen = false
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Flush blocks until every entry queued up to this call has been
// written to disk, even if the logger is currently frozen — this is
// how copy_and_truncate empties the file before rotating it without
// requiring Thaw first.
func (l *FileLogger) Flush() {
	req := flushRequest{done: make(chan struct{})}
	l.flushCh <- req
	<-req.done
}

// Close stops the background writer and closes the underlying file.
func (l *FileLogger) Close() error {
	l.Flush()
	close(l.quit)
	l.wg.Wait()
	return l.file.Close()
}

func (l *FileLogger) run() {
	defer l.wg.Done()

	for {
		select {
		case <-l.quit:
			return
		case <-l.wake:
			l.mu.Lock()
			frozen := l.frozen
			l.mu.Unlock()
			if !frozen {
				l.drainAndWrite()
			}
		case req := <-l.flushCh:
			l.drainAndWrite()
			close(req.done)
		}
	}
}

// drainAndWrite moves any queued entries into the buffer and issues
// writes until the buffer is empty, ignoring the frozen flag (the
// caller has already decided draining should happen right now).
func (l *FileLogger) drainAndWrite() {
	for {
		l.mu.Lock()
		for _, e := range l.queue {
			l.buffer.WriteString(e)
		}
		l.queue = l.queue[:0]

		if l.buffer.Len() == 0 {
			l.mu.Unlock()
			return
		}

		pending := make([]byte, l.buffer.Len())
		copy(pending, l.buffer.Bytes())
		l.mu.Unlock()

		n, err := l.file.Write(pending)
		if err != nil {
			logging.Warnf("file logger write to %s failed: %v", l.path, err)
			return
		}

		l.mu.Lock()
		l.buffer.Next(n)
		remaining := l.buffer.Len()
		l.mu.Unlock()

		if remaining == 0 && n == len(pending) {
			// Give newly queued entries (added while we were writing)
			// one more pass before returning.
			l.mu.Lock()
			moreQueued := len(l.queue) > 0
			l.mu.Unlock()
			if !moreQueued {
				return
			}
		}
	}
}

// CopyAndTruncate freezes the logger, flushes everything queued so
// far, waits delay (to let downstream tail-followers observe the
// final record), then copies the file's current content to
// targetPath, truncates the source to zero length, and thaws. done is
// invoked with the result.
func (l *FileLogger) CopyAndTruncate(targetPath string, delay time.Duration, done func(error)) {
	l.Freeze()
	l.Flush()

	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}

		err := l.copyAndTruncateNow(targetPath)
		l.Thaw()
		if done != nil {
			done(err)
		}
	}()
}

func (l *FileLogger) copyAndTruncateNow(targetPath string) error {
	src, err := os.Open(l.path)
	if err != nil {
		return fmt.Errorf("reopen %s for copy: %w", l.path, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(targetPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("create rotation target %s: %w", targetPath, err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("copy to %s: %w", targetPath, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close rotation target %s: %w", targetPath, err)
	}

	if err := l.file.Truncate(0); err != nil {
		return fmt.Errorf("truncate %s: %w", l.path, err)
	}
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek %s: %w", l.path, err)
	}

	return nil
}
