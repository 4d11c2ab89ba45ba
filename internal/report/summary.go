// Package report summarizes an opened trace and renders the summary as
// JSON or PDF.
package report

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"sort"
	"time"

	"example.com/ctftrace/internal/reader"
)

type InputSummary struct {
	Name       string   `json:"name"`
	SizeBytes  int64    `json:"sizeBytes"`
	Packets    int      `json:"packets"`
	Start      *int64   `json:"start,omitempty"`
	End        *int64   `json:"end,omitempty"`
	LostEvents uint64   `json:"lostEvents"`
	Targets    []string `json:"targets,omitempty"`
}

type EventCount struct {
	Name  string `json:"name"`
	Count uint64 `json:"count"`
}

type Summary struct {
	Title      string            `json:"title"`
	Dir        string            `json:"dir"`
	UUID       string            `json:"uuid,omitempty"`
	Version    string            `json:"version"`
	ByteOrder  string            `json:"byteOrder"`
	Clocks     []string          `json:"clocks,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Streams    int               `json:"streams"`
	EventTypes int               `json:"eventTypes"`
	Inputs     []InputSummary    `json:"inputs"`
	Start      *int64            `json:"start,omitempty"`
	End        *int64            `json:"end,omitempty"`
	LostEvents uint64            `json:"lostEvents"`
	// Events and EventCounts are filled only when events were counted.
	Events      uint64       `json:"events,omitempty"`
	EventCounts []EventCount `json:"eventCounts,omitempty"`
	Generated   time.Time    `json:"generated"`
}

// Summarize describes tr from its schema and packet indexes. With
// countEvents it also reads every event once.
func Summarize(ctx context.Context, tr *reader.Trace, title string, countEvents bool) (Summary, error) {
	s := tr.Schema
	sum := Summary{
		Title:     title,
		Dir:       tr.Dir,
		Version:   s.Version(),
		ByteOrder: s.ByteOrder.String(),
		Env:       s.Env,
		Streams:   len(s.Streams()),
		Generated: time.Now().UTC(),
	}
	if s.HasUUID() {
		sum.UUID = s.UUID.String()
	}
	for _, c := range s.Clocks() {
		sum.Clocks = append(sum.Clocks, c.Name)
	}
	for _, st := range s.Streams() {
		sum.EventTypes += len(st.Events())
	}

	start, end := int64(math.MaxInt64), int64(math.MinInt64)
	for _, in := range tr.Inputs {
		is := InputSummary{Name: in.Name(), SizeBytes: in.Size()}
		targets := map[string]bool{}
		if x := in.Index(); x != nil {
			is.Packets = x.Len()
			is.LostEvents = x.LostEvents()
			for _, d := range x.Entries() {
				if d.HasTimestamps() {
					if is.Start == nil || d.TimestampBegin < *is.Start {
						is.Start = ptr(d.TimestampBegin)
					}
					if is.End == nil || d.TimestampEnd > *is.End {
						is.End = ptr(d.TimestampEnd)
					}
				}
				if d.HasTarget() && !targets[d.Target] {
					targets[d.Target] = true
					is.Targets = append(is.Targets, d.Target)
				}
			}
		}
		if is.Start != nil && *is.Start < start {
			start = *is.Start
		}
		if is.End != nil && *is.End > end {
			end = *is.End
		}
		sort.Strings(is.Targets)
		sum.LostEvents += is.LostEvents
		sum.Inputs = append(sum.Inputs, is)
	}
	if start != math.MaxInt64 {
		sum.Start = ptr(start)
	}
	if end != math.MinInt64 {
		sum.End = ptr(end)
	}

	if countEvents {
		if err := countTraceEvents(ctx, tr, &sum); err != nil {
			return sum, err
		}
	}
	return sum, nil
}

func countTraceEvents(ctx context.Context, tr *reader.Trace, sum *Summary) error {
	r, err := tr.Reader()
	if err != nil {
		return err
	}
	counts := map[string]uint64{}
	for ; r.HasMoreEvents(); r.Advance() {
		ev := r.CurrentEvent()
		if ev.IsLostEvents() {
			continue
		}
		counts[ev.Name]++
		sum.Events++
		if sum.Events%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
	}
	if err := r.Err(); err != nil {
		return err
	}
	for name, n := range counts {
		sum.EventCounts = append(sum.EventCounts, EventCount{Name: name, Count: n})
	}
	sort.Slice(sum.EventCounts, func(i, j int) bool {
		a, b := sum.EventCounts[i], sum.EventCounts[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Name < b.Name
	})
	return nil
}

func ptr(v int64) *int64 { return &v }

func SaveJSON(sum Summary, out string) error {
	b, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(out, b, 0644)
}

func LoadJSON(path string) (Summary, error) {
	var sum Summary
	b, err := os.ReadFile(path)
	if err != nil {
		return sum, err
	}
	err = json.Unmarshal(b, &sum)
	return sum, err
}
