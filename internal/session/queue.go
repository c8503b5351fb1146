package session

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"time"
)

// EndSentinel is the literal a boundary may write to mark the end of a
// plain-text stream. The queue itself signals the end out of band so
// generated text containing the literal cannot end a stream early.
const EndSentinel = "[DONE]"

const (
	DefaultQueueCapacity = 256
	DefaultStreamDelay   = 30 * time.Millisecond
)

// ErrQueueClosed is returned by Emit after Close.
var ErrQueueClosed = errors.New("output queue closed")

var tokenPattern = regexp.MustCompile(`\S+|\s+`)

type item struct {
	text string
	end  bool
}

// Queue is a strict FIFO of output tokens for one streaming response,
// terminated by exactly one end marker.
type Queue struct {
	items chan item
	delay time.Duration

	mu     sync.Mutex
	closed bool
}

// NewQueue creates a queue holding up to capacity buffered tokens. delay is
// the pause after each token, which gives consumers a typing effect; zero
// disables it.
func NewQueue(capacity int, delay time.Duration) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{
		items: make(chan item, capacity),
		delay: delay,
	}
}

// Emit splits text into word and whitespace tokens and enqueues them in
// order. It blocks while the queue is full.
func (q *Queue) Emit(ctx context.Context, text string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}

	for _, tok := range tokenPattern.FindAllString(text, -1) {
		if err := q.send(ctx, item{text: tok}); err != nil {
			return err
		}
		if q.delay > 0 {
			if err := pause(ctx, q.delay); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close enqueues the end marker. Only the first call has an effect.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	return q.send(ctx, item{end: true})
}

// Next returns the next token. ok is false once the end marker is read.
func (q *Queue) Next(ctx context.Context) (token string, ok bool, err error) {
	select {
	case it := <-q.items:
		if it.end {
			return "", false, nil
		}
		return it.text, true, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

func (q *Queue) send(ctx context.Context, it item) error {
	select {
	case q.items <- it:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func pause(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
