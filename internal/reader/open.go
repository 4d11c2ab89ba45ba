package reader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"example.com/ctftrace/internal/bitbuf"
	"example.com/ctftrace/internal/common"
	"example.com/ctftrace/internal/ctf"
	"example.com/ctftrace/internal/index"
	"example.com/ctftrace/internal/tsdl"
)

// MetadataFileName is the schema file of a trace directory. Every other
// regular file that is not hidden, a cache or a temporary file is a stream.
const MetadataFileName = "metadata.yaml"

type Option func(*openOptions)

type openOptions struct {
	useCache    bool
	cacheDir    string
	codec       index.Codec
	parallelism int
	metrics     *common.Metrics
}

// WithCache loads packet indexes from, and saves them to, cache files in
// dir. An empty dir keeps each cache next to its stream file.
func WithCache(dir string, codec index.Codec) Option {
	return func(o *openOptions) {
		o.useCache, o.cacheDir, o.codec = true, dir, codec
	}
}

// WithParallelism bounds the number of stream files indexed at once.
func WithParallelism(n int) Option {
	return func(o *openOptions) {
		if n > 0 {
			o.parallelism = n
		}
	}
}

func WithMetrics(m *common.Metrics) Option {
	return func(o *openOptions) { o.metrics = m }
}

// Trace is an opened trace directory: its schema and one input per stream
// file, indexed and ready to read.
type Trace struct {
	Dir    string
	Schema *ctf.Trace
	Inputs []*StreamInput
}

// Open loads the trace in dir and indexes its stream files.
func Open(ctx context.Context, dir string, opts ...Option) (*Trace, error) {
	o := openOptions{parallelism: 4, codec: index.CodecZstd}
	for _, opt := range opts {
		opt(&o)
	}
	metaPath := filepath.Join(dir, MetadataFileName)
	doc, err := tsdl.LoadYAML(metaPath)
	if err != nil {
		return nil, err
	}
	var schemaFP common.Fingerprint
	if o.useCache {
		if schemaFP, err = common.FingerprintFile(metaPath); err != nil {
			return nil, err
		}
	}
	paths, err := StreamFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%s: no stream files", dir)
	}

	var buildOpts []ctf.Option
	if order, err := detectFileOrder(paths[0]); err == nil {
		buildOpts = append(buildOpts, ctf.WithInferredByteOrder(order))
	} else {
		common.Debugf("reader: %s: byte order not detected: %v", paths[0], err)
	}
	schema, err := ctf.Build(doc, buildOpts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", metaPath, err)
	}

	t := &Trace{Dir: dir, Schema: schema}
	for _, p := range paths {
		in, err := OpenStreamInput(schema, p)
		if err != nil {
			t.Close()
			return nil, err
		}
		in.SetMetrics(o.metrics)
		o.metrics.AddTotalBytes(in.Size())
		t.Inputs = append(t.Inputs, in)
	}
	if err := indexInputs(ctx, t.Inputs, schemaFP, o); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

// Reader returns a merge reader over all inputs, positioned on the first
// event. The reader shares the inputs with t.
func (t *Trace) Reader() (*TraceReader, error) {
	return NewTraceReader(t.Schema, t.Inputs)
}

func (t *Trace) Close() error {
	var errs []error
	for _, in := range t.Inputs {
		errs = append(errs, in.Close())
	}
	return errors.Join(errs...)
}

// StreamFiles lists the stream files of a trace directory in name order.
func StreamFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || name == MetadataFileName || name == "metadata" ||
			strings.HasPrefix(name, ".") || strings.HasSuffix(name, index.CacheExt) ||
			strings.Contains(name, ".tmp") {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	sort.Strings(out)
	return out, nil
}

func detectFileOrder(path string) (bitbuf.ByteOrder, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	head := make([]byte, 4)
	if _, err := f.ReadAt(head, 0); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadMagic, err)
	}
	return DetectByteOrder(head)
}

func indexInputs(ctx context.Context, inputs []*StreamInput, schema common.Fingerprint, o openOptions) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.parallelism)
	for _, in := range inputs {
		in := in
		g.Go(func() error {
			return indexInput(ctx, in, schema, o)
		})
	}
	return g.Wait()
}

// indexInput loads the cached index of in when it was built from the same
// stream bytes and the same metadata, and rebuilds and saves it otherwise.
func indexInput(ctx context.Context, in *StreamInput, schema common.Fingerprint, o openOptions) error {
	if !o.useCache || in.Path() == "" {
		_, err := in.BuildIndex(ctx)
		return err
	}
	fp, err := common.FingerprintFile(in.Path())
	if err != nil {
		return err
	}
	cachePath := index.CachePath(o.cacheDir, in.Path())
	c, err := index.LoadCache(cachePath, fp, schema)
	if err == nil {
		x, err := c.Index()
		if err == nil {
			in.SetIndex(x)
			common.Debugf("reader: %s: %d packets from %s", in.Name(), x.Len(), cachePath)
			return nil
		}
		common.Warnf("reader: %s: %v", cachePath, err)
	} else if !errors.Is(err, fs.ErrNotExist) {
		common.Warnf("reader: ignoring cache %s: %v", cachePath, err)
	}
	x, err := in.BuildIndex(ctx)
	if err != nil {
		return err
	}
	if err := index.SaveCache(cachePath, index.NewCache(in.Name(), fp, schema, x), o.codec); err != nil {
		common.Warnf("reader: cannot write cache %s: %v", cachePath, err)
	}
	return nil
}
