package index

import (
	"fmt"
	"math"
	"sort"
)

// PacketIndex holds the descriptors of one stream file in ascending offset
// order. It only grows.
type PacketIndex struct {
	entries []PacketDescriptor
}

func New(entries ...PacketDescriptor) (*PacketIndex, error) {
	x := &PacketIndex{entries: make([]PacketDescriptor, 0, len(entries))}
	for _, d := range entries {
		if !x.Append(d) {
			return nil, fmt.Errorf("%w: packet at bit %d is out of order", ErrInvalidArgument, d.Offset)
		}
	}
	return x, nil
}

// Append adds d after the last entry. It returns false, leaving the index
// unchanged, when d does not start past the last entry.
func (x *PacketIndex) Append(d PacketDescriptor) bool {
	if n := len(x.entries); n > 0 && d.Offset <= x.entries[n-1].Offset {
		return false
	}
	x.entries = append(x.entries, d)
	return true
}

func (x *PacketIndex) Len() int { return len(x.entries) }

// Element returns the i-th descriptor.
func (x *PacketIndex) Element(i int) (PacketDescriptor, bool) {
	if i < 0 || i >= len(x.entries) {
		return PacketDescriptor{}, false
	}
	return x.entries[i], true
}

// Entries returns a copy of the descriptors.
func (x *PacketIndex) Entries() []PacketDescriptor {
	return append([]PacketDescriptor(nil), x.entries...)
}

// StartTime is the begin timestamp of the first packet, MinInt64 when the
// index is empty or the packets carry no time range.
func (x *PacketIndex) StartTime() int64 {
	if len(x.entries) == 0 {
		return math.MinInt64
	}
	return x.entries[0].TimestampBegin
}

func (x *PacketIndex) EndTime() int64 {
	if len(x.entries) == 0 {
		return math.MaxInt64
	}
	return x.entries[len(x.entries)-1].TimestampEnd
}

// LostEvents sums the lost-event counts of all packets.
func (x *PacketIndex) LostEvents() uint64 {
	var n uint64
	for _, d := range x.entries {
		n += d.LostEvents
	}
	return n
}

// Position is a cursor between two index entries: Previous is the last
// packet ending before the searched timestamp, Next the first that does not.
type Position struct {
	index *PacketIndex
	i     int
}

// Index is the position of Next in the index; Len() when there is none.
func (p Position) Index() int { return p.i }

func (p Position) HasPrevious() bool { return p.i > 0 }

func (p Position) HasNext() bool { return p.index != nil && p.i < len(p.index.entries) }

func (p Position) Previous() (PacketDescriptor, bool) {
	if !p.HasPrevious() {
		return PacketDescriptor{}, false
	}
	return p.index.entries[p.i-1], true
}

func (p Position) Next() (PacketDescriptor, bool) {
	if !p.HasNext() {
		return PacketDescriptor{}, false
	}
	return p.index.entries[p.i], true
}

// Search finds the first packet that ends at or after ts. Timestamps are
// magnitudes from the clock origin; a negative ts is rejected.
func (x *PacketIndex) Search(ts int64) (Position, error) {
	if ts < 0 {
		return Position{}, fmt.Errorf("%w: negative timestamp %d", ErrInvalidArgument, ts)
	}
	i := sort.Search(len(x.entries), func(i int) bool {
		return x.entries[i].TimestampEnd >= ts
	})
	return Position{index: x, i: i}, nil
}
