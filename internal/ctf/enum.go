package ctf

import (
	"fmt"
	"math"
	"sort"
	"strconv"
)

// EnumRange bounds hold the container's bits: two's complement for signed
// containers, so that unsigned 64-bit ranges keep their full width.
type EnumRange struct {
	Low   uint64
	High  uint64
	Label string
}

type Enum struct {
	Container *Integer

	ranges   []EnumRange // declaration order
	sorted   []EnumRange // by Low, for lookup
	lastHigh uint64
}

func NewEnum(container *Integer) *Enum {
	return &Enum{Container: container}
}

func (*Enum) Kind() Kind        { return KindEnum }
func (e *Enum) Alignment() uint { return e.Container.Alignment() }
func (*Enum) declaration()      {}

// less orders two bounds the way the container interprets them.
func (e *Enum) less(a, b uint64) bool {
	if e.Container.Signed {
		return int64(a) < int64(b)
	}
	return a < b
}

func (e *Enum) format(v uint64) string {
	if e.Container.Signed {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatUint(v, 10)
}

func (e *Enum) maxBits() uint64 {
	if e.Container.Signed {
		return uint64(e.Container.MaxValue())
	}
	return e.Container.MaxUnsigned()
}

// AddNext adds a value-less enumerator, one past the previous high value.
// The first one gets 0.
func (e *Enum) AddNext(label string) error {
	if len(e.ranges) == 0 {
		return e.insert(0, 0, label)
	}
	if e.lastHigh == e.maxBits() {
		return fmt.Errorf("%w: enumerator %q follows %s, the container maximum",
			ErrEnumRange, label, e.format(e.lastHigh))
	}
	v := e.lastHigh + 1
	return e.insert(v, v, label)
}

// Add adds a range given as signed values.
func (e *Enum) Add(low, high int64, label string) error {
	if low > high {
		return fmt.Errorf("%w: enumerator %q range %d...%d", ErrInvalidValue, label, low, high)
	}
	if !e.Container.Signed {
		if low < 0 {
			return e.rangeErr(label, strconv.FormatInt(low, 10), strconv.FormatInt(high, 10))
		}
		return e.AddUnsigned(uint64(low), uint64(high), label)
	}
	if low < e.Container.MinValue() || high > e.Container.MaxValue() {
		return e.rangeErr(label, strconv.FormatInt(low, 10), strconv.FormatInt(high, 10))
	}
	return e.insert(uint64(low), uint64(high), label)
}

// AddUnsigned adds a range given as unsigned values, which may exceed int64
// for a 64-bit unsigned container.
func (e *Enum) AddUnsigned(low, high uint64, label string) error {
	if low > high {
		return fmt.Errorf("%w: enumerator %q range %d...%d", ErrInvalidValue, label, low, high)
	}
	if e.Container.Signed {
		if high > math.MaxInt64 {
			return e.rangeErr(label, strconv.FormatUint(low, 10), strconv.FormatUint(high, 10))
		}
		return e.Add(int64(low), int64(high), label)
	}
	if high > e.Container.MaxUnsigned() {
		return e.rangeErr(label, strconv.FormatUint(low, 10), strconv.FormatUint(high, 10))
	}
	return e.insert(low, high, label)
}

func (e *Enum) rangeErr(label, low, high string) error {
	return fmt.Errorf("%w: enumerator %q range %s...%s outside [%d,%s]",
		ErrEnumRange, label, low, high, e.Container.MinValue(), e.format(e.maxBits()))
}

func (e *Enum) insert(low, high uint64, label string) error {
	for _, r := range e.ranges {
		if !e.less(r.High, low) && !e.less(high, r.Low) {
			return fmt.Errorf("%w: %q %s...%s overlaps %q %s...%s",
				ErrEnumOverlap, label, e.format(low), e.format(high), r.Label, e.format(r.Low), e.format(r.High))
		}
	}
	r := EnumRange{Low: low, High: high, Label: label}
	e.ranges = append(e.ranges, r)
	i := sort.Search(len(e.sorted), func(i int) bool { return e.less(low, e.sorted[i].Low) })
	e.sorted = append(e.sorted, EnumRange{})
	copy(e.sorted[i+1:], e.sorted[i:])
	e.sorted[i] = r
	e.lastHigh = high
	return nil
}

// Lookup maps the container bits of a value, sign-extended for signed
// containers, to its label. A value outside every range has no label, which
// is not an error.
func (e *Enum) Lookup(v uint64) (string, bool) {
	i := sort.Search(len(e.sorted), func(i int) bool { return !e.less(e.sorted[i].High, v) })
	if i < len(e.sorted) && !e.less(v, e.sorted[i].Low) {
		return e.sorted[i].Label, true
	}
	return "", false
}

func (e *Enum) Ranges() []EnumRange { return e.ranges }

// Labels returns each distinct label once, in declaration order.
func (e *Enum) Labels() []string {
	seen := make(map[string]struct{}, len(e.ranges))
	var out []string
	for _, r := range e.ranges {
		if _, ok := seen[r.Label]; ok {
			continue
		}
		seen[r.Label] = struct{}{}
		out = append(out, r.Label)
	}
	return out
}

func (e *Enum) HasLabel(label string) bool {
	for _, r := range e.ranges {
		if r.Label == label {
			return true
		}
	}
	return false
}

// withContainer copies the enum over a rebuilt container integer.
func (e *Enum) withContainer(c *Integer) *Enum {
	return &Enum{Container: c, ranges: e.ranges, sorted: e.sorted, lastHigh: e.lastHigh}
}
