package reader

import (
	"container/heap"
	"errors"
	"fmt"
	"math"

	"example.com/ctftrace/internal/ctf"
	"example.com/ctftrace/internal/index"
)

// TraceReader merges the events of all stream inputs of a trace by
// timestamp. Equal timestamps are returned in input order. The first error
// of any input ends the iteration; Err reports it.
type TraceReader struct {
	trace   *ctf.Trace
	inputs  []*StreamInput
	queue   eventQueue
	current *Event
	err     error
}

// NewTraceReader positions a reader on the first event of inputs.
func NewTraceReader(tr *ctf.Trace, inputs []*StreamInput) (*TraceReader, error) {
	r := &TraceReader{trace: tr, inputs: inputs}
	r.fill()
	return r, r.err
}

func (r *TraceReader) Trace() *ctf.Trace { return r.trace }

func (r *TraceReader) Inputs() []*StreamInput { return r.inputs }

func (r *TraceReader) fill() {
	r.queue = r.queue[:0]
	for i, in := range r.inputs {
		if in.Advance() {
			r.queue = append(r.queue, queued{in: in, order: i})
			continue
		}
		if err := in.Err(); err != nil {
			r.fail(err)
			return
		}
	}
	heap.Init(&r.queue)
	r.setCurrent()
}

func (r *TraceReader) setCurrent() {
	if len(r.queue) == 0 {
		r.current = nil
		return
	}
	r.current = r.queue[0].in.Current()
}

func (r *TraceReader) fail(err error) {
	r.err = err
	r.current = nil
	r.queue = nil
}

// HasMoreEvents reports whether CurrentEvent holds an event.
func (r *TraceReader) HasMoreEvents() bool { return r.err == nil && r.current != nil }

// CurrentEvent is the event with the smallest timestamp not yet passed by
// Advance.
func (r *TraceReader) CurrentEvent() *Event { return r.current }

func (r *TraceReader) Err() error { return r.err }

// Advance moves to the next event in timestamp order and reports whether
// there is one.
func (r *TraceReader) Advance() bool {
	if r.err != nil || len(r.queue) == 0 {
		r.current = nil
		return false
	}
	top := r.queue[0].in
	if top.Advance() {
		heap.Fix(&r.queue, 0)
	} else {
		if err := top.Err(); err != nil {
			r.fail(err)
			return false
		}
		heap.Pop(&r.queue)
	}
	r.setCurrent()
	return r.current != nil
}

// SeekTime positions every input on its first event at or after ts.
func (r *TraceReader) SeekTime(ts int64) error {
	if ts < 0 {
		return fmt.Errorf("%w: negative timestamp %d", index.ErrInvalidArgument, ts)
	}
	if r.err != nil {
		return r.err
	}
	for _, in := range r.inputs {
		if err := in.SeekTime(ts); err != nil {
			r.fail(err)
			return err
		}
	}
	r.fill()
	return r.err
}

// StartTime is the earliest packet begin timestamp over all indexed inputs.
func (r *TraceReader) StartTime() int64 {
	start := int64(math.MaxInt64)
	for _, in := range r.inputs {
		if x := in.Index(); x != nil && x.Len() > 0 && x.StartTime() < start {
			start = x.StartTime()
		}
	}
	return start
}

// EndTime is the latest packet end timestamp over all indexed inputs.
func (r *TraceReader) EndTime() int64 {
	end := int64(math.MinInt64)
	for _, in := range r.inputs {
		if x := in.Index(); x != nil && x.Len() > 0 && x.EndTime() > end {
			end = x.EndTime()
		}
	}
	return end
}

func (r *TraceReader) Close() error {
	var errs []error
	for _, in := range r.inputs {
		errs = append(errs, in.Close())
	}
	r.current, r.queue = nil, nil
	return errors.Join(errs...)
}

type queued struct {
	in    *StreamInput
	order int
}

// eventQueue is a min-heap of inputs keyed on their current event.
type eventQueue []queued

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	a, b := q[i].in.Current().Timestamp, q[j].in.Current().Timestamp
	if a != b {
		return a < b
	}
	return q[i].order < q[j].order
}

func (q eventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *eventQueue) Push(x any) { *q = append(*q, x.(queued)) }

func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	*q = old[:n-1]
	return it
}
