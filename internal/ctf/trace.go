package ctf

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"example.com/ctftrace/internal/bitbuf"
)

// Trace is the schema of a whole trace as described by its metadata.
type Trace struct {
	Major     uint64
	Minor     uint64
	UUID      uuid.UUID
	ByteOrder bitbuf.ByteOrder
	// PacketHeader is nil for traces without packet headers.
	PacketHeader *Struct
	Env          map[string]string
	Callsites    []Callsite

	hasUUID    bool
	clocks     map[string]*Clock
	clockOrder []string
	streams    []*Stream
	byID       map[uint64]*Stream
}

func newTrace() *Trace {
	return &Trace{
		Env:    make(map[string]string),
		clocks: make(map[string]*Clock),
		byID:   make(map[uint64]*Stream),
	}
}

func (t *Trace) HasUUID() bool { return t.hasUUID }

func (t *Trace) Version() string {
	return fmt.Sprintf("%d.%d", t.Major, t.Minor)
}

func (t *Trace) Clock(name string) (*Clock, bool) {
	c, ok := t.clocks[name]
	return c, ok
}

func (t *Trace) Clocks() []*Clock {
	out := make([]*Clock, 0, len(t.clockOrder))
	for _, name := range t.clockOrder {
		out = append(out, t.clocks[name])
	}
	return out
}

// Streams returns the streams in declaration order.
func (t *Trace) Streams() []*Stream { return t.streams }

func (t *Trace) Stream(id uint64) (*Stream, bool) {
	s, ok := t.byID[id]
	return s, ok
}

// DefaultStream is the stream used when a packet carries no stream_id: the
// only stream of the trace.
func (t *Trace) DefaultStream() (*Stream, bool) {
	if len(t.streams) != 1 {
		return nil, false
	}
	return t.streams[0], true
}

// CallsitesFor returns the callsites recorded for an event name.
func (t *Trace) CallsitesFor(event string) []Callsite {
	var out []Callsite
	for _, c := range t.Callsites {
		if c.Name == event {
			out = append(out, c)
		}
	}
	return out
}

// EnvKeys returns the environment keys sorted.
func (t *Trace) EnvKeys() []string {
	keys := make([]string, 0, len(t.Env))
	for k := range t.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type Stream struct {
	ID    uint64
	HasID bool
	// EventHeader is a *Struct, or an *EventHeader for the compact and
	// large layouts.
	EventHeader   Declaration
	EventContext  *Struct
	PacketContext *Struct

	events    []*Event
	byID      map[uint64]*Event
	anonymous *Event
}

func newStream() *Stream {
	return &Stream{byID: make(map[uint64]*Event)}
}

func (s *Stream) String() string {
	if !s.HasID {
		return "stream"
	}
	return fmt.Sprintf("stream %d", s.ID)
}

func (s *Stream) Events() []*Event { return s.events }

func (s *Stream) Event(id uint64) (*Event, bool) {
	e, ok := s.byID[id]
	return e, ok
}

// EventFor resolves the event of a header. A header carrying an id only
// matches an event declared with that id; one without an id resolves to the
// event declared without id, or the single event of the stream.
func (s *Stream) EventFor(id uint64, hasID bool) (*Event, bool) {
	if hasID {
		e, ok := s.byID[id]
		return e, ok
	}
	if s.anonymous != nil {
		return s.anonymous, true
	}
	if len(s.events) == 1 {
		return s.events[0], true
	}
	return nil, false
}

func (s *Stream) addEvent(e *Event) error {
	if e.HasID {
		if prev, ok := s.byID[e.ID]; ok {
			return fmt.Errorf("%w: event id %d used by %q and %q in %s", ErrDuplicate, e.ID, prev.Name, e.Name, s)
		}
		if s.anonymous != nil {
			return fmt.Errorf("%w: event %q has an id but %q has none in %s", ErrConflict, e.Name, s.anonymous.Name, s)
		}
		s.byID[e.ID] = e
	} else {
		if s.anonymous != nil {
			return fmt.Errorf("%w: events %q and %q both lack an id in %s", ErrDuplicate, s.anonymous.Name, e.Name, s)
		}
		if len(s.byID) > 0 {
			return fmt.Errorf("%w: event %q has no id but other events of %s do", ErrConflict, e.Name, s)
		}
		s.anonymous = e
	}
	s.events = append(s.events, e)
	return nil
}

type Event struct {
	Name        string
	ID          uint64
	HasID       bool
	Stream      *Stream
	Context     *Struct
	Fields      *Struct
	LogLevel    int64
	HasLogLevel bool
	// Attributes holds the keys the reader does not interpret, such as
	// model.emf.uri.
	Attributes map[string]string
}

type Clock struct {
	Name          string
	UUID          uuid.UUID
	HasUUID       bool
	Description   string
	Freq          uint64
	Precision     uint64
	OffsetSeconds int64
	Offset        int64
	Absolute      bool
	Attributes    map[string]string
}

const defaultClockFreq = 1_000_000_000

// Callsite is a source location that emits an event.
type Callsite struct {
	Name string
	Func string
	File string
	Line uint64
	IP   uint64
}
