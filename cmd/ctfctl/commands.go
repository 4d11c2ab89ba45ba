package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"example.com/ctftrace/internal/common"
	"example.com/ctftrace/internal/index"
	"example.com/ctftrace/internal/report"
)

func infoCmd(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var g globalFlags
	fs := pflag.NewFlagSet("info", pflag.ContinueOnError)
	g.register(fs)
	dir, err := parseTraceArgs(fs, args, stderr)
	if err != nil {
		return err
	}
	s, err := openSession(ctx, g, dir, "", stderr)
	if err != nil {
		return err
	}
	defer s.Close()

	t := s.trace.Schema
	fmt.Fprintf(stdout, "Trace:      %s\n", dir)
	fmt.Fprintf(stdout, "Version:    %s\n", t.Version())
	if t.HasUUID() {
		fmt.Fprintf(stdout, "UUID:       %s\n", t.UUID)
	}
	fmt.Fprintf(stdout, "Byte order: %s\n", t.ByteOrder)
	for _, c := range t.Clocks() {
		fmt.Fprintf(stdout, "Clock:      %s freq=%d offset_s=%d offset=%d absolute=%t", c.Name, c.Freq, c.OffsetSeconds, c.Offset, c.Absolute)
		if c.Description != "" {
			fmt.Fprintf(stdout, " %q", c.Description)
		}
		fmt.Fprintln(stdout)
	}
	for _, k := range t.EnvKeys() {
		fmt.Fprintf(stdout, "Env:        %s = %s\n", k, t.Env[k])
	}

	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STREAM\tEVENT ID\tNAME\tLOGLEVEL\tCALLSITES")
	for _, st := range t.Streams() {
		for _, ev := range st.Events() {
			id, level := "-", "-"
			if ev.HasID {
				id = fmt.Sprint(ev.ID)
			}
			if ev.HasLogLevel {
				level = fmt.Sprint(ev.LogLevel)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", st, id, ev.Name, level, len(t.CallsitesFor(ev.Name)))
		}
	}
	return tw.Flush()
}

func indexCmd(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var g globalFlags
	fs := pflag.NewFlagSet("index", pflag.ContinueOnError)
	g.register(fs)
	dir, err := parseTraceArgs(fs, args, stderr)
	if err != nil {
		return err
	}
	s, err := openSession(ctx, g, dir, defaultCacheDir, stderr)
	if err != nil {
		return err
	}
	defer s.Close()

	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "INPUT\tSIZE\tPACKETS\tBEGIN\tEND\tLOST")
	for _, in := range s.trace.Inputs {
		x := in.Index()
		begin, end := "-", "-"
		if x.Len() > 0 {
			first, _ := x.Element(0)
			last, _ := x.Element(x.Len() - 1)
			if first.HasTimestamps() {
				begin = fmt.Sprint(x.StartTime())
				end = fmt.Sprint(last.TimestampEnd)
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%d\n", in.Name(), common.FormatBytes(in.Size()), x.Len(), begin, end, x.LostEvents())
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	snap := s.metrics.Snapshot()
	fmt.Fprintf(stdout, "Indexed %d stream files (%s) codec=%s\n", len(s.trace.Inputs), common.FormatBytes(snap.TotalBytes), s.cfg.Codec())
	return nil
}

func dumpCmd(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var g globalFlags
	fs := pflag.NewFlagSet("dump", pflag.ContinueOnError)
	g.register(fs)
	asJSON := fs.Bool("json", false, "write NDJSON records instead of text")
	begin := fs.Int64("begin", -1, "start at the first event at or after this timestamp")
	limit := fs.Int("limit", 0, "stop after this many events (0: all)")
	dir, err := parseTraceArgs(fs, args, stderr)
	if err != nil {
		return err
	}
	if *limit < 0 {
		return fmt.Errorf("%w: negative limit %d", index.ErrInvalidArgument, *limit)
	}
	s, err := openSession(ctx, g, dir, "", stderr)
	if err != nil {
		return err
	}
	defer s.Close()

	r, err := s.trace.Reader()
	if err != nil {
		return err
	}
	if fs.Changed("begin") {
		if err := r.SeekTime(*begin); err != nil {
			return err
		}
	}

	out := bufio.NewWriter(stdout)
	defer out.Flush()
	nd := NewNDJSONWriter(out)
	n := 0
	for ; r.HasMoreEvents(); r.Advance() {
		if *limit > 0 && n >= *limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		ev := r.CurrentEvent()
		if *asJSON {
			err = nd.WriteEvent(ev)
		} else {
			_, err = fmt.Fprintf(out, "%s %s\n", ev.Input, ev)
		}
		if err != nil {
			return err
		}
		n++
	}
	if err := r.Err(); err != nil {
		return err
	}
	return out.Flush()
}

func seekCmd(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var g globalFlags
	fs := pflag.NewFlagSet("seek", pflag.ContinueOnError)
	g.register(fs)
	ts := fs.Int64("ts", -1, "timestamp to locate")
	dir, err := parseTraceArgs(fs, args, stderr)
	if err != nil {
		return err
	}
	if !fs.Changed("ts") {
		return errors.New("--ts is required")
	}
	s, err := openSession(ctx, g, dir, "", stderr)
	if err != nil {
		return err
	}
	defer s.Close()

	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "INPUT\tPACKET\tOFFSET\tBEGIN\tEND\tTARGET")
	for _, in := range s.trace.Inputs {
		pos, err := in.Index().Search(*ts)
		if err != nil {
			return err
		}
		d, ok := pos.Next()
		if !ok {
			fmt.Fprintf(tw, "%s\t-\t-\t-\t-\t-\n", in.Name())
			continue
		}
		target := "-"
		if d.HasTarget() {
			target = d.Target
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\n", in.Name(), pos.Index(), d.Offset/8, d.TimestampBegin, d.TimestampEnd, target)
	}
	return tw.Flush()
}

func reportCmd(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var g globalFlags
	fs := pflag.NewFlagSet("report", pflag.ContinueOnError)
	g.register(fs)
	pdfPath := fs.String("pdf", "", "output PDF summary")
	jsonPath := fs.String("json", "", "output JSON summary")
	title := fs.String("title", "", "report title (overrides config)")
	count := fs.Bool("count", true, "read every event to count events per name")
	dir, err := parseTraceArgs(fs, args, stderr)
	if err != nil {
		return err
	}
	s, err := openSession(ctx, g, dir, "", stderr)
	if err != nil {
		return err
	}
	defer s.Close()

	if *title == "" {
		*title = s.cfg.Report.Title
	}
	sum, err := report.Summarize(ctx, s.trace, *title, *count)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s: %d stream files, %d lost events", dir, len(sum.Inputs), sum.LostEvents)
	if *count {
		fmt.Fprintf(stdout, ", %d events", sum.Events)
	}
	fmt.Fprintln(stdout)
	if *jsonPath != "" {
		if err := report.SaveJSON(sum, *jsonPath); err != nil {
			return fmt.Errorf("write json: %w", err)
		}
		fmt.Fprintln(stdout, "Wrote JSON:", *jsonPath)
	}
	if *pdfPath != "" {
		if err := report.SavePDF(sum, *pdfPath, s.cfg.Report.QRSize); err != nil {
			return fmt.Errorf("write pdf: %w", err)
		}
		fmt.Fprintln(stdout, "Wrote PDF:", *pdfPath)
	}
	return nil
}
