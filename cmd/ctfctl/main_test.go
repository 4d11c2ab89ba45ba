package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"example.com/ctftrace/internal/ctftest"
	"example.com/ctftrace/internal/index"
)

func writeSampleTrace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	streams := map[string][]ctftest.Packet{
		"chan0": {
			{Begin: 100, End: 200, CPU: 0, Events: []ctftest.Event{
				{ID: ctftest.EventMessage, Timestamp: 110, Msg: "first"},
				{ID: ctftest.EventSchedSwitch, Timestamp: 150, Comm: "sh", PrevTID: 3, NextTID: 4},
			}},
			{Begin: 300, End: 400, CPU: 0, Discarded: 2, Events: []ctftest.Event{
				{ID: ctftest.EventMessage, Timestamp: 350, Msg: "late"},
			}},
		},
		"chan1": {
			{Begin: 120, End: 380, CPU: 1, Events: []ctftest.Event{
				{ID: ctftest.EventSamples, Timestamp: 130, Values: []int32{7, 8}},
			}},
		},
	}
	require.NoError(t, ctftest.WriteTrace(dir, ctftest.Options{}, streams))
	return dir
}

func runCLI(t *testing.T, args ...string) (string, string, int) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	args = append(args, "--config", filepath.Join(t.TempDir(), "ctfctl.yaml"))
	code := run(context.Background(), args, &stdout, &stderr)
	return stdout.String(), stderr.String(), code
}

func TestUsage(t *testing.T) {
	var stdout bytes.Buffer
	require.Equal(t, 2, run(context.Background(), nil, &stdout, &stdout))
	require.Contains(t, stdout.String(), "Commands:")
	stdout.Reset()
	require.Equal(t, 0, run(context.Background(), []string{"version"}, &stdout, &stdout))
	require.Contains(t, stdout.String(), "ctfctl dev")
}

func TestInfoCmd(t *testing.T) {
	out, errOut, code := runCLI(t, "info", writeSampleTrace(t))
	require.Equal(t, 0, code, errOut)
	require.Contains(t, out, "Version:    1.8")
	require.Contains(t, out, "UUID:       "+ctftest.DefaultUUID.String())
	require.Contains(t, out, "Byte order: le")
	require.Contains(t, out, "Clock:      "+ctftest.ClockName)
	require.Contains(t, out, "sched_switch")
	require.Contains(t, out, "samples")
}

func TestIndexCmdWritesCaches(t *testing.T) {
	dir := writeSampleTrace(t)
	out, errOut, code := runCLI(t, "index", dir, "--codec", "lz4", "--parallel", "1")
	require.Equal(t, 0, code, errOut)
	require.Contains(t, out, "chan0")
	require.Contains(t, out, "Indexed 2 stream files")
	require.Contains(t, out, "codec=lz4")
	require.FileExists(t, index.CachePath(filepath.Join(dir, defaultCacheDir), filepath.Join(dir, "chan0")))

	_, errOut, code = runCLI(t, "index", dir, "--codec", "brotli")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "brotli")
}

func TestDumpText(t *testing.T) {
	out, errOut, code := runCLI(t, "dump", writeSampleTrace(t))
	require.Equal(t, 0, code, errOut)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 5)
	require.True(t, strings.HasPrefix(lines[0], "chan0 [110] message:"), lines[0])
	require.True(t, strings.HasPrefix(lines[1], "chan1 [130] samples:"), lines[1])
	require.Contains(t, lines[2], `prev_comm = "sh"`)
	require.Equal(t, "chan0 [300] lost_events: { count = 2 }", lines[3])
	require.Contains(t, lines[4], "msg = late")
}

func TestDumpJSON(t *testing.T) {
	out, errOut, code := runCLI(t, "dump", writeSampleTrace(t), "--json", "--begin", "140", "--limit", "3")
	require.Equal(t, 0, code, errOut)

	var recs []map[string]any
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		recs = append(recs, rec)
	}
	require.Len(t, recs, 3)
	require.EqualValues(t, 150, recs[0]["ts"])
	require.Equal(t, "sched_switch", recs[0]["name"])
	require.Equal(t, "chan0", recs[0]["input"])
	fields := recs[0]["fields"].(map[string]any)
	require.Equal(t, "sh", fields["prev_comm"])
	require.Equal(t, "lost_events", recs[1]["name"])
	require.EqualValues(t, 2, recs[1]["lost"])
	require.NotContains(t, recs[1], "id")
	require.Equal(t, "late", recs[2]["fields"].(map[string]any)["msg"])

	_, _, code = runCLI(t, "dump", writeSampleTrace(t), "--begin=-5")
	require.Equal(t, 1, code)
}

func TestSeekCmd(t *testing.T) {
	dir := writeSampleTrace(t)
	out, errOut, code := runCLI(t, "seek", dir, "--ts", "250")
	require.Equal(t, 0, code, errOut)
	require.Regexp(t, `chan0\s+1\s+\d+\s+300\s+400\s+CPU0`, out)
	require.Regexp(t, `chan1\s+0\s+0\s+120\s+380\s+CPU1`, out)

	out, _, code = runCLI(t, "seek", dir, "--ts", "5000")
	require.Equal(t, 0, code)
	require.Regexp(t, `chan0\s+-`, out)

	_, errOut, code = runCLI(t, "seek", dir)
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "--ts")
}

func TestReportCmd(t *testing.T) {
	dir := writeSampleTrace(t)
	outDir := t.TempDir()
	pdf := filepath.Join(outDir, "summary.pdf")
	js := filepath.Join(outDir, "summary.json")
	out, errOut, code := runCLI(t, "report", dir, "--pdf", pdf, "--json", js, "--title", "Sample")
	require.Equal(t, 0, code, errOut)
	require.Contains(t, out, "2 stream files, 2 lost events, 4 events")
	require.Contains(t, out, "Wrote PDF:")

	data, err := os.ReadFile(pdf)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(data, []byte("%PDF-")))
	data, err = os.ReadFile(js)
	require.NoError(t, err)
	require.Contains(t, string(data), `"title": "Sample"`)
}

func TestNDJSONWriterFlushes(t *testing.T) {
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	w := NewNDJSONWriter(bw)
	require.NoError(t, w.WriteObject(map[string]int{"a": 1}))
	require.Equal(t, "{\"a\":1}\n", buf.String())

	var nilWriter *NDJSONWriter
	require.NoError(t, nilWriter.WriteObject(1))
}

func TestBadTraceDir(t *testing.T) {
	_, errOut, code := runCLI(t, "info", t.TempDir())
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "info:")

	_, _, code = runCLI(t, "info")
	require.Equal(t, 1, code)
}
