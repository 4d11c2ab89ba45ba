package common

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// Fingerprint identifies the exact bytes of a stream file. Index caches are
// only reused when the fingerprint of the file still matches.
type Fingerprint struct {
	Size   int64  `cbor:"1,keyasint" json:"size"`
	Digest string `cbor:"2,keyasint" json:"digest"`
}

func (f Fingerprint) Equal(o Fingerprint) bool {
	return f.Size == o.Size && f.Digest == o.Digest
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("%s (%s)", f.Digest, FormatBytes(f.Size))
}

type Hasher struct {
	h *blake3.Hasher
	n int64
}

func NewHasher() *Hasher {
	return &Hasher{h: blake3.New()}
}

func (h *Hasher) Write(p []byte) (int, error) {
	n, err := h.h.Write(p)
	h.n += int64(n)
	return n, err
}

func (h *Hasher) Sum() Fingerprint {
	return Fingerprint{Size: h.n, Digest: hex.EncodeToString(h.h.Sum(nil))}
}

func FingerprintFile(path string) (Fingerprint, error) {
	f, err := os.Open(path)
	if err != nil {
		return Fingerprint{}, err
	}
	defer f.Close()
	h := NewHasher()
	if _, err := io.Copy(h, f); err != nil {
		return Fingerprint{}, fmt.Errorf("fingerprint %s: %w", path, err)
	}
	return h.Sum(), nil
}
