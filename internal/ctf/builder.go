package ctf

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"example.com/ctftrace/internal/bitbuf"
	"example.com/ctftrace/internal/common"
	"example.com/ctftrace/internal/tsdl"
)

// SupportedVersions is the range of trace versions the decoder understands.
const SupportedVersions = "^1"

// parseMode tells declarator handling what the surrounding statement is.
// Only field declarators create identifiers that sequences and variants can
// refer to.
type parseMode uint8

const (
	modeField parseMode = iota
	modeTypedef
	modeTypealiasTarget
	modeTypealiasAlias
)

func (m parseMode) String() string {
	switch m {
	case modeTypedef:
		return "typedef"
	case modeTypealiasTarget:
		return "typealias target"
	case modeTypealiasAlias:
		return "typealias alias"
	default:
		return "field"
	}
}

type Option func(*builder)

// WithInferredByteOrder records the byte order detected from a packet magic
// number. A metadata byte_order that disagrees is then fatal.
func WithInferredByteOrder(o bitbuf.ByteOrder) Option {
	return func(b *builder) {
		if o.Valid() {
			b.inferredOrder = o
		}
	}
}

// WithInferredUUID records the uuid read from a packet header before the
// metadata is built.
func WithInferredUUID(id uuid.UUID) Option {
	return func(b *builder) {
		b.inferredUUID = id
		b.hasInferredUUID = true
	}
}

type builder struct {
	trace *Trace
	table *SymbolTable

	// defaultOrder is given to every declaration without an explicit
	// byte_order attribute.
	defaultOrder    bitbuf.ByteOrder
	inferredOrder   bitbuf.ByteOrder
	inferredUUID    uuid.UUID
	hasInferredUUID bool

	traceSeen bool
	orderSet  bool
	majorSet  bool
	minorSet  bool
	uuidSet   bool

	stream *Stream
	event  *Event
}

// Build turns a metadata parse tree into a Trace. Any error aborts the build
// and no trace is returned.
func Build(doc *tsdl.Document, opts ...Option) (*Trace, error) {
	b := &builder{trace: newTrace(), table: NewSymbolTable()}
	for _, opt := range opts {
		opt(b)
	}
	b.defaultOrder = b.inferredOrder
	if !b.defaultOrder.Valid() {
		b.defaultOrder = bitbuf.NativeOrder()
	}
	if doc == nil || len(doc.Nodes) == 0 {
		return nil, buildErrf(nil, "", ErrMissing, "empty metadata")
	}
	for _, n := range doc.Nodes {
		if err := b.topLevel(n); err != nil {
			return nil, err
		}
	}
	if !b.traceSeen {
		return nil, buildErrf(nil, "", ErrMissing, "no trace block")
	}
	if b.table.Current() != b.table.Root() {
		return nil, buildErrf(nil, "", ErrScopeUnderflow, "scope stack not unwound")
	}
	if !b.trace.ByteOrder.Valid() {
		b.trace.ByteOrder = b.defaultOrder
	}
	if b.hasInferredUUID && !b.uuidSet {
		b.trace.UUID = b.inferredUUID
		b.trace.hasUUID = true
	}
	common.Debugf("ctf: built trace %s, %s, %d streams", b.trace.Version(), b.trace.ByteOrder, len(b.trace.streams))
	return b.trace, nil
}

func (b *builder) topLevel(n *tsdl.Node) error {
	switch n.Kind {
	case tsdl.KindTrace:
		return b.traceBlock(n)
	case tsdl.KindStream:
		return b.streamBlock(n)
	case tsdl.KindEvent:
		return b.eventBlock(n)
	case tsdl.KindClock:
		return b.clockBlock(n)
	case tsdl.KindEnv:
		return b.envBlock(n)
	case tsdl.KindCallsite:
		return b.callsiteBlock(n)
	case tsdl.KindTypedef, tsdl.KindTypealias, tsdl.KindTypeDecl:
		return b.statement(n)
	}
	return buildErrf(n, "", ErrInvalidValue, "unexpected %s at top level", n.Kind)
}

func (b *builder) withScope(name string, fn func() error) error {
	b.table.Push(name)
	err := fn()
	if perr := b.table.Pop(); perr != nil && err == nil {
		err = perr
	}
	return err
}

func (b *builder) traceBlock(n *tsdl.Node) error {
	if b.traceSeen {
		return buildErrf(n, "", ErrDuplicate, "second trace block")
	}
	b.traceSeen = true
	err := b.withScope("trace", func() error {
		// byte_order first, so that everything declared in the block
		// already uses it.
		for _, a := range n.Body {
			if a.Kind == tsdl.KindAssign && a.Key == "byte_order" {
				if err := b.setTraceByteOrder(a); err != nil {
					return err
				}
			}
		}
		for _, a := range n.Body {
			switch a.Kind {
			case tsdl.KindAssign:
				if err := b.traceAssign(a); err != nil {
					return err
				}
			case tsdl.KindTypeAssign:
				if a.Key != "packet.header" {
					common.Warnf("ctf: ignoring trace type assignment %q", a.Key)
					continue
				}
				if b.trace.PacketHeader != nil {
					return buildErrf(a, a.Key, ErrConflict, "already set")
				}
				s, err := b.structOf(a)
				if err != nil {
					return err
				}
				b.trace.PacketHeader = s
			default:
				if err := b.statement(a); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !b.majorSet || !b.minorSet {
		return buildErrf(n, "", ErrMissing, "major and minor are required")
	}
	return b.checkVersion(n)
}

func (b *builder) checkVersion(n *tsdl.Node) error {
	v, err := semver.NewVersion(fmt.Sprintf("%d.%d.0", b.trace.Major, b.trace.Minor))
	if err != nil {
		return buildErr(n, "", fmt.Errorf("%w: %v", ErrInvalidValue, err))
	}
	c, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return err
	}
	if !c.Check(v) {
		return buildErrf(n, "", ErrUnsupportedVersion, "%s does not satisfy %s", v, SupportedVersions)
	}
	return nil
}

func (b *builder) traceAssign(a *tsdl.Node) error {
	switch a.Key {
	case "byte_order":
		return nil
	case "major":
		if b.majorSet {
			return buildErrf(a, a.Key, ErrConflict, "already set")
		}
		v, err := parseUint(a.Value)
		if err != nil {
			return buildErr(a, a.Key, err)
		}
		b.trace.Major, b.majorSet = v, true
	case "minor":
		if b.minorSet {
			return buildErrf(a, a.Key, ErrConflict, "already set")
		}
		v, err := parseUint(a.Value)
		if err != nil {
			return buildErr(a, a.Key, err)
		}
		b.trace.Minor, b.minorSet = v, true
	case "uuid":
		if b.uuidSet {
			return buildErrf(a, a.Key, ErrConflict, "already set")
		}
		id, err := uuid.Parse(unquote(a.Value))
		if err != nil {
			return buildErrf(a, a.Key, ErrInvalidValue, "%v", err)
		}
		if b.hasInferredUUID && id != b.inferredUUID {
			return buildErrf(a, a.Key, ErrConflict, "metadata uuid %s, packets carry %s", id, b.inferredUUID)
		}
		b.trace.UUID, b.trace.hasUUID, b.uuidSet = id, true, true
	default:
		common.Warnf("ctf: ignoring trace attribute %q", a.Key)
	}
	return nil
}

func (b *builder) setTraceByteOrder(a *tsdl.Node) error {
	if b.orderSet {
		return buildErrf(a, a.Key, ErrConflict, "already set")
	}
	var order bitbuf.ByteOrder
	switch unquote(a.Value) {
	case "le":
		order = bitbuf.LittleEndian
	case "be", "network":
		order = bitbuf.BigEndian
	case "native":
		order = b.inferredOrder
		if !order.Valid() {
			order = bitbuf.NativeOrder()
		}
	default:
		return buildErrf(a, a.Key, ErrInvalidValue, "%q", a.Value)
	}
	if b.inferredOrder.Valid() && order != b.inferredOrder {
		return buildErrf(a, a.Key, ErrConflict, "metadata says %s, packet magic says %s", order, b.inferredOrder)
	}
	b.orderSet = true
	b.trace.ByteOrder = order
	if order != b.defaultOrder {
		b.defaultOrder = order
		b.propagateByteOrder(order)
	}
	return nil
}

func (b *builder) streamBlock(n *tsdl.Node) error {
	s := newStream()
	b.stream = s
	defer func() { b.stream = nil }()
	err := b.withScope("stream", func() error {
		for _, a := range n.Body {
			if a.Kind != tsdl.KindAssign {
				continue
			}
			if a.Key != "id" {
				common.Warnf("ctf: ignoring stream attribute %q", a.Key)
				continue
			}
			if s.HasID {
				return buildErrf(a, a.Key, ErrConflict, "already set")
			}
			id, err := parseUint(a.Value)
			if err != nil {
				return buildErr(a, a.Key, err)
			}
			s.ID, s.HasID = id, true
		}
		for _, a := range n.Body {
			switch a.Kind {
			case tsdl.KindAssign:
			case tsdl.KindTypeAssign:
				if err := b.streamTypeAssign(s, a); err != nil {
					return err
				}
			default:
				if err := b.statement(a); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return buildErr(n, "", b.addStream(s))
}

func (b *builder) streamTypeAssign(s *Stream, a *tsdl.Node) error {
	st, err := b.structOf(a)
	if err != nil {
		return err
	}
	switch a.Key {
	case "event.header":
		if s.EventHeader != nil {
			return buildErrf(a, a.Key, ErrConflict, "already set")
		}
		s.EventHeader = specializeEventHeader(st)
	case "event.context":
		if s.EventContext != nil {
			return buildErrf(a, a.Key, ErrConflict, "already set")
		}
		s.EventContext = st
	case "packet.context":
		if s.PacketContext != nil {
			return buildErrf(a, a.Key, ErrConflict, "already set")
		}
		s.PacketContext = st
	default:
		common.Warnf("ctf: ignoring stream type assignment %q", a.Key)
	}
	return nil
}

func (b *builder) addStream(s *Stream) error {
	if !s.HasID {
		if len(b.trace.streams) > 0 {
			return fmt.Errorf("%w: a stream without id must be the only stream", ErrConflict)
		}
	} else {
		if _, ok := b.trace.byID[s.ID]; ok {
			return fmt.Errorf("%w: stream id %d", ErrDuplicate, s.ID)
		}
		for _, o := range b.trace.streams {
			if !o.HasID {
				return fmt.Errorf("%w: stream %d declared next to a stream without id", ErrConflict, s.ID)
			}
		}
		b.trace.byID[s.ID] = s
	}
	b.trace.streams = append(b.trace.streams, s)
	return nil
}

func (b *builder) eventBlock(n *tsdl.Node) error {
	ev := &Event{Attributes: make(map[string]string)}
	var (
		nameSet  bool
		streamID uint64
		hasSID   bool
	)
	for _, a := range n.Body {
		if a.Kind != tsdl.KindAssign {
			continue
		}
		var err error
		switch a.Key {
		case "name":
			if nameSet {
				return buildErrf(a, a.Key, ErrConflict, "already set")
			}
			ev.Name, nameSet = unquote(a.Value), true
		case "id":
			if ev.HasID {
				return buildErrf(a, a.Key, ErrConflict, "already set")
			}
			ev.ID, err = parseUint(a.Value)
			ev.HasID = true
		case "stream_id":
			if hasSID {
				return buildErrf(a, a.Key, ErrConflict, "already set")
			}
			streamID, err = parseUint(a.Value)
			hasSID = true
		case "loglevel":
			if ev.HasLogLevel {
				return buildErrf(a, a.Key, ErrConflict, "already set")
			}
			ev.LogLevel, err = parseInt(a.Value)
			ev.HasLogLevel = true
		default:
			ev.Attributes[a.Key] = unquote(a.Value)
		}
		if err != nil {
			return buildErr(a, a.Key, err)
		}
	}
	if !nameSet || ev.Name == "" {
		return buildErrf(n, "", ErrMissing, "event name")
	}

	s, err := b.eventStream(streamID, hasSID)
	if err != nil {
		return buildErr(n, ev.Name, err)
	}
	ev.Stream = s

	b.stream, b.event = s, ev
	defer func() { b.stream, b.event = nil, nil }()
	err = b.withScope("event", func() error {
		for _, a := range n.Body {
			switch a.Kind {
			case tsdl.KindAssign:
			case tsdl.KindTypeAssign:
				st, err := b.structOf(a)
				if err != nil {
					return err
				}
				switch a.Key {
				case "context":
					if ev.Context != nil {
						return buildErrf(a, a.Key, ErrConflict, "already set")
					}
					ev.Context = st
				case "fields":
					if ev.Fields != nil {
						return buildErrf(a, a.Key, ErrConflict, "already set")
					}
					ev.Fields = st
				default:
					common.Warnf("ctf: ignoring event type assignment %q", a.Key)
				}
			default:
				if err := b.statement(a); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return buildErr(n, ev.Name, err)
	}
	return buildErr(n, ev.Name, s.addEvent(ev))
}

// eventStream resolves the stream owning an event: the one named by
// stream_id, else the trace's only stream without id, created on demand.
func (b *builder) eventStream(id uint64, hasID bool) (*Stream, error) {
	if hasID {
		s, ok := b.trace.byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: stream %d", ErrUndefined, id)
		}
		return s, nil
	}
	switch {
	case len(b.trace.streams) == 0:
		s := newStream()
		if err := b.addStream(s); err != nil {
			return nil, err
		}
		return s, nil
	case len(b.trace.streams) == 1 && !b.trace.streams[0].HasID:
		return b.trace.streams[0], nil
	}
	return nil, fmt.Errorf("%w: stream_id", ErrMissing)
}

func (b *builder) clockBlock(n *tsdl.Node) error {
	c := &Clock{Freq: defaultClockFreq, Attributes: make(map[string]string)}
	for _, a := range n.Body {
		if a.Kind != tsdl.KindAssign {
			return buildErrf(a, "", ErrInvalidValue, "unexpected %s in clock", a.Kind)
		}
		var err error
		v := unquote(a.Value)
		switch a.Key {
		case "name":
			c.Name = v
		case "uuid":
			c.UUID, err = uuid.Parse(v)
			c.HasUUID = err == nil
		case "description":
			c.Description = v
		case "freq":
			c.Freq, err = parseUint(v)
			if err == nil && c.Freq == 0 {
				err = fmt.Errorf("%w: zero frequency", ErrInvalidValue)
			}
		case "precision":
			c.Precision, err = parseUint(v)
		case "offset_s":
			c.OffsetSeconds, err = parseInt(v)
		case "offset":
			c.Offset, err = parseInt(v)
		case "absolute":
			c.Absolute, err = parseBool(v)
		default:
			c.Attributes[a.Key] = v
		}
		if err != nil {
			return buildErr(a, a.Key, fmt.Errorf("%w: %v", ErrInvalidValue, err))
		}
	}
	if c.Name == "" {
		return buildErrf(n, "", ErrMissing, "clock name")
	}
	if _, ok := b.trace.clocks[c.Name]; ok {
		return buildErrf(n, c.Name, ErrDuplicate, "clock")
	}
	b.trace.clocks[c.Name] = c
	b.trace.clockOrder = append(b.trace.clockOrder, c.Name)
	return nil
}

func (b *builder) envBlock(n *tsdl.Node) error {
	for _, a := range n.Body {
		if a.Kind != tsdl.KindAssign {
			return buildErrf(a, "", ErrInvalidValue, "unexpected %s in env", a.Kind)
		}
		b.trace.Env[a.Key] = unquote(a.Value)
	}
	return nil
}

func (b *builder) callsiteBlock(n *tsdl.Node) error {
	var c Callsite
	for _, a := range n.Body {
		if a.Kind != tsdl.KindAssign {
			return buildErrf(a, "", ErrInvalidValue, "unexpected %s in callsite", a.Kind)
		}
		var err error
		switch a.Key {
		case "name":
			c.Name = unquote(a.Value)
		case "func":
			c.Func = unquote(a.Value)
		case "file":
			c.File = unquote(a.Value)
		case "line":
			c.Line, err = parseUint(a.Value)
		case "ip":
			c.IP, err = parseUint(a.Value)
		default:
			common.Warnf("ctf: ignoring callsite attribute %q", a.Key)
		}
		if err != nil {
			return buildErr(a, a.Key, err)
		}
	}
	if c.Name == "" {
		return buildErrf(n, "", ErrMissing, "callsite name")
	}
	b.trace.Callsites = append(b.trace.Callsites, c)
	return nil
}

// structOf resolves the type of a ":=" assignment, which must be a struct.
func (b *builder) structOf(a *tsdl.Node) (*Struct, error) {
	if a.Type == nil {
		return nil, buildErrf(a, a.Key, ErrMissing, "type")
	}
	d, err := b.typeSpecifier(a.Type)
	if err != nil {
		return nil, err
	}
	s, ok := d.(*Struct)
	if !ok {
		return nil, buildErrf(a, a.Key, ErrInvalidValue, "expected struct, got %s", d.Kind())
	}
	return s, nil
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		if u, err := strconv.Unquote(s); err == nil {
			return u
		}
		return s[1 : len(s)-1]
	}
	return s
}

func trimIntSuffix(s string) string {
	return strings.TrimRight(strings.TrimSpace(unquote(s)), "uUlL")
}

func parseUint(s string) (uint64, error) {
	v, err := strconv.ParseUint(trimIntSuffix(s), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an unsigned integer", ErrInvalidValue, s)
	}
	return v, nil
}

func parseInt(s string) (int64, error) {
	v, err := strconv.ParseInt(trimIntSuffix(s), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", ErrInvalidValue, s)
	}
	return v, nil
}

func parseBool(s string) (bool, error) {
	switch unquote(s) {
	case "true", "TRUE", "1":
		return true, nil
	case "false", "FALSE", "0":
		return false, nil
	}
	return false, fmt.Errorf("%w: %q is not a boolean", ErrInvalidValue, s)
}
