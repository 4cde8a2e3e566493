package queue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/chromeworker/internal/types"
)

// Filenames used by filesystem queue mode.
const (
	RequestFileName  = "test_request.json"
	ResponseFileName = "test_response.json"
)

// fallbackPollInterval bounds how long a Receive waits between checks
// when filesystem events are lost (network drives, editors swapping
// files).
const fallbackPollInterval = 500 * time.Millisecond

// LocalQueue reads requests from a single JSON file in the working
// directory. It emulates SQS visibility semantics so the dispatcher
// behaves the same in both modes: a received file stays on disk but
// becomes invisible until deleted or until its visibility lapses.
type LocalQueue struct {
	workdir    string
	waitTime   time.Duration
	visibility time.Duration
	watcher    *fsnotify.Watcher

	mu           sync.Mutex
	visibleAgain time.Time
	closed       bool
}

// NewLocal creates a filesystem queue rooted at workdir.
func NewLocal(workdir string, waitTime, visibility time.Duration) (*LocalQueue, error) {
	abs, err := filepath.Abs(workdir)
	if err != nil {
		return nil, fmt.Errorf("resolve workdir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workdir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := watcher.Add(abs); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch workdir: %w", err)
	}

	log.Info().Str("workdir", abs).Msg("Local filesystem queue mode active")
	return &LocalQueue{
		workdir:    abs,
		waitTime:   waitTime,
		visibility: visibility,
		watcher:    watcher,
	}, nil
}

func (q *LocalQueue) requestPath() string {
	return filepath.Join(q.workdir, RequestFileName)
}

// Receive waits up to the configured long-poll time for the request
// file to appear (or become visible again).
func (q *LocalQueue) Receive(ctx context.Context, max int) ([]Message, error) {
	if max < 1 {
		return nil, nil
	}
	deadline := time.NewTimer(q.waitTime)
	defer deadline.Stop()

	for {
		if msg, ok, err := q.tryTake(); err != nil {
			return nil, err
		} else if ok {
			return []Message{msg}, nil
		}

		poll := time.NewTimer(fallbackPollInterval)
		select {
		case <-ctx.Done():
			poll.Stop()
			return nil, ctx.Err()
		case <-deadline.C:
			poll.Stop()
			return nil, nil
		case ev, ok := <-q.watcher.Events:
			poll.Stop()
			if !ok {
				return nil, types.ErrQueueClosed
			}
			if filepath.Base(ev.Name) != RequestFileName {
				continue
			}
		case err, ok := <-q.watcher.Errors:
			poll.Stop()
			if !ok {
				return nil, types.ErrQueueClosed
			}
			log.Warn().Err(err).Msg("File watcher error, falling back to polling")
		case <-poll.C:
		}
	}
}

func (q *LocalQueue) tryTake() (Message, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return Message{}, false, types.ErrQueueClosed
	}
	if time.Now().Before(q.visibleAgain) {
		return Message{}, false, nil
	}

	path := q.requestPath()
	body, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, fmt.Errorf("read request file: %w", err)
	}
	if len(body) == 0 {
		// Producer still writing; the watcher fires again on close.
		return Message{}, false, nil
	}

	q.visibleAgain = time.Now().Add(q.visibility)
	info, _ := os.Stat(path)
	id := RequestFileName
	if info != nil {
		id = fmt.Sprintf("%s@%d", RequestFileName, info.ModTime().UnixNano())
	}
	return Message{ID: id, ReceiptHandle: path, Body: body}, true, nil
}

// Delete consumes the request file.
func (q *LocalQueue) Delete(_ context.Context, msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return types.ErrQueueClosed
	}
	if err := os.Remove(msg.ReceiptHandle); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete request file: %w", err)
	}
	q.visibleAgain = time.Time{}
	return nil
}

// ChangeVisibility defers (or restores) visibility of the request
// file without touching its content.
func (q *LocalQueue) ChangeVisibility(_ context.Context, _ Message, d time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return types.ErrQueueClosed
	}
	q.visibleAgain = time.Now().Add(d)
	return nil
}

// SendResponse writes the payload next to the request file for the
// operator to inspect.
func (q *LocalQueue) SendResponse(_ context.Context, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return types.ErrQueueClosed
	}
	path := filepath.Join(q.workdir, ResponseFileName)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return fmt.Errorf("write response file: %w", err)
	}
	return nil
}

// Close stops the file watcher.
func (q *LocalQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	return q.watcher.Close()
}
