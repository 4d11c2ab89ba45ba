package index

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"

	"example.com/ctftrace/internal/common"
)

const (
	cacheMagic   = "CTFX"
	cacheVersion = 2
	// magic, version, codec, raw payload length
	cacheHeaderSize = 4 + 1 + 1 + 4
	// CacheExt is appended to a stream file name to name its cache.
	CacheExt = ".ctfidx"
)

var (
	// ErrStaleCache means the cache was written for different file content.
	ErrStaleCache = errors.New("index: cache does not match stream file or metadata")
	// ErrBadCache means the cache file cannot be decoded.
	ErrBadCache = errors.New("index: malformed cache file")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("index: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("index: CBOR decoder initialization failed: " + err.Error())
	}
}

// Cache is the persisted index of one stream file. Descriptors depend on
// both the stream bytes and the metadata that laid out its packet context,
// so both fingerprints are kept.
type Cache struct {
	Stream      string             `cbor:"1,keyasint"`
	Fingerprint common.Fingerprint `cbor:"2,keyasint"`
	Packets     []PacketDescriptor `cbor:"3,keyasint"`
	Schema      common.Fingerprint `cbor:"4,keyasint"`
}

// NewCache captures x for the stream file fingerprinted fp, indexed with
// the metadata fingerprinted schema.
func NewCache(stream string, fp, schema common.Fingerprint, x *PacketIndex) *Cache {
	return &Cache{Stream: stream, Fingerprint: fp, Schema: schema, Packets: x.Entries()}
}

// Index rebuilds the packet index, checking the offset order again.
func (c *Cache) Index() (*PacketIndex, error) {
	x, err := New(c.Packets...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCache, err)
	}
	return x, nil
}

// CachePath names the cache of streamPath inside dir, or next to the stream
// file when dir is empty.
func CachePath(dir, streamPath string) string {
	if dir == "" {
		return streamPath + CacheExt
	}
	return filepath.Join(dir, filepath.Base(streamPath)+CacheExt)
}

// SaveCache writes c to path, replacing any previous cache atomically.
func SaveCache(path string, c *Cache, codec Codec) error {
	raw, err := encMode.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode index cache: %w", err)
	}
	payload, used, err := compress(raw, codec)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	buf.Grow(cacheHeaderSize + len(payload))
	buf.WriteString(cacheMagic)
	buf.WriteByte(cacheVersion)
	buf.WriteByte(byte(used))
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(raw)))
	buf.Write(size[:])
	buf.Write(payload)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	common.Debugf("index: wrote %s (%d packets, %s, %s)", path, len(c.Packets), used, common.FormatBytes(int64(buf.Len())))
	return nil
}

// LoadCache reads the cache at path. It returns ErrStaleCache when the cache
// was built for stream content other than want or for other metadata than
// schema.
func LoadCache(path string, want, schema common.Fingerprint) (*Cache, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < cacheHeaderSize || string(data[:4]) != cacheMagic {
		return nil, fmt.Errorf("%w: %s: bad header", ErrBadCache, path)
	}
	if data[4] != cacheVersion {
		return nil, fmt.Errorf("%w: %s: version %d", ErrBadCache, path, data[4])
	}
	size := int(binary.BigEndian.Uint32(data[6:10]))
	raw, err := decompress(data[cacheHeaderSize:], Codec(data[5]), size)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadCache, path, err)
	}
	var c Cache
	if err := decMode.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadCache, path, err)
	}
	if !c.Fingerprint.Equal(want) {
		return nil, fmt.Errorf("%w: %s was built for %s, file is %s", ErrStaleCache, path, c.Fingerprint, want)
	}
	if !c.Schema.Equal(schema) {
		return nil, fmt.Errorf("%w: %s was built with metadata %s, metadata is %s", ErrStaleCache, path, c.Schema, schema)
	}
	return &c, nil
}
