package main

import (
	"encoding/json"
	"io"
	"sync"

	"example.com/ctftrace/internal/ctf"
	"example.com/ctftrace/internal/reader"
)

type flusher interface {
	Flush() error
}

// NDJSONWriter streams newline-delimited JSON objects to the underlying
// writer, flushing after every record when the writer buffers.
type NDJSONWriter struct {
	mu      sync.Mutex
	writer  io.Writer
	flusher flusher
}

func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	var f flusher
	if ff, ok := w.(flusher); ok {
		f = ff
	}
	return &NDJSONWriter{writer: w, flusher: f}
}

type eventRecord struct {
	Timestamp     int64          `json:"ts"`
	Name          string         `json:"name"`
	ID            *uint64        `json:"id,omitempty"`
	Input         string         `json:"input"`
	Stream        *uint64        `json:"stream,omitempty"`
	Target        string         `json:"target,omitempty"`
	Lost          uint64         `json:"lost,omitempty"`
	StreamContext *ctf.StructDef `json:"streamContext,omitempty"`
	Context       *ctf.StructDef `json:"context,omitempty"`
	Fields        *ctf.StructDef `json:"fields,omitempty"`
}

func newEventRecord(ev *reader.Event) eventRecord {
	rec := eventRecord{
		Timestamp:     ev.Timestamp,
		Name:          ev.Name,
		Input:         ev.Input,
		Target:        ev.Packet.Target,
		Lost:          ev.Lost,
		StreamContext: ev.StreamContext,
		Context:       ev.Context,
		Fields:        ev.Fields,
	}
	if !ev.IsLostEvents() {
		id := ev.ID
		rec.ID = &id
	}
	if ev.Stream != nil && ev.Stream.HasID {
		sid := ev.Stream.ID
		rec.Stream = &sid
	}
	return rec
}

func (w *NDJSONWriter) WriteEvent(ev *reader.Event) error {
	return w.WriteObject(newEventRecord(ev))
}

// WriteObject marshals v to JSON and writes it followed by a newline.
func (w *NDJSONWriter) WriteObject(v any) error {
	if w == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.writer.Write(data); err != nil {
		return err
	}
	if w.flusher != nil {
		return w.flusher.Flush()
	}
	return nil
}
