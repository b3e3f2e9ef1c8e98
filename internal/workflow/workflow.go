// Package workflow runs long creation pipelines off the caller's goroutine
// and hands their progress to the host as a stream of events.
//
// A pipeline reports through a [Reporter]. The host either passes its own
// Reporter (for example [Channel]) or starts the pipeline with [Go] and
// consumes [Task.Events], which yields events in order and is closed when
// the pipeline returns.
package workflow

import "context"

// Stage names a checkpoint of a creation pipeline.
type Stage string

const (
	StageDownload  Stage = "download"
	StageConfig    Stage = "config"
	StageUnpack    Stage = "unpack"
	StageFinalize  Stage = "finalize"
	StageContainer Stage = "container"
)

// Event is a progress update or a failure message.
type Event struct {
	Stage Stage

	// Progress in [0, 1] for the stage
	Progress float64

	// Message is set, and Stage empty, when the pipeline failed
	Message string
}

// Failed reports whether the event carries a failure message.
func (e Event) Failed() bool {
	return e.Message != ""
}

// Reporter receives pipeline events.
type Reporter interface {
	Progress(stage Stage, fraction float64)
	Fail(message string)
}

// Silent returns r, or a Reporter that drops everything when r is nil.
func Silent(r Reporter) Reporter {
	if r == nil {
		return discard{}
	}
	return r
}

type discard struct{}

func (discard) Progress(Stage, float64) {}
func (discard) Fail(string)             {}

// Channel returns a Reporter that sends events on ch. Sends give up once
// ctx is done so a pipeline never blocks on a host that stopped listening.
func Channel(ctx context.Context, ch chan<- Event) Reporter {
	return &channel{ctx: ctx, ch: ch}
}

type channel struct {
	ctx context.Context
	ch  chan<- Event
}

func (c *channel) Progress(stage Stage, fraction float64) {
	c.send(Event{Stage: stage, Progress: fraction})
}

func (c *channel) Fail(message string) {
	c.send(Event{Message: message})
}

func (c *channel) send(e Event) {
	select {
	case c.ch <- e:
	case <-c.ctx.Done():
	}
}

// Func is a pipeline producing a T.
type Func[T any] func(ctx context.Context, r Reporter) (T, error)

// Task is a pipeline running on its own goroutine.
type Task[T any] struct {
	events chan Event
	cancel context.CancelFunc

	done   chan struct{}
	result T
	err    error
}

// Go starts fn. Cancelling ctx, or calling Cancel, cancels the pipeline at
// its next checkpoint. Events are delivered in order until then; after a
// cancel, events nobody reads are dropped instead of blocking the pipeline.
func Go[T any](ctx context.Context, fn Func[T]) *Task[T] {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task[T]{
		events: make(chan Event, 16),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(t.done)
		defer close(t.events)
		t.result, t.err = fn(ctx, &channel{ctx: ctx, ch: t.events})
	}()

	return t
}

// Events returns the task's event stream, closed when the task finishes.
func (t *Task[T]) Events() <-chan Event {
	return t.events
}

// Cancel asks the pipeline to stop.
func (t *Task[T]) Cancel() {
	t.cancel()
}

// Wait drains any unread events and returns the pipeline's result.
func (t *Task[T]) Wait() (T, error) {
	for range t.events {
	}
	<-t.done
	t.cancel()
	return t.result, t.err
}
