package report

import (
	"fmt"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

// UUIDToQR creates a QR code PNG encoding a trace uuid.
func UUIDToQR(id string, size int) ([]byte, error) {
	normalized := sanitizeUUID(id)
	if normalized == "" {
		return nil, fmt.Errorf("trace uuid is empty")
	}
	if size <= 0 {
		size = 128
	}
	png, err := qrcode.Encode(normalized, qrcode.Medium, size)
	if err != nil {
		return nil, err
	}
	return png, nil
}

// sanitizeUUID keeps the hex digits and dashes of id, lower-cased.
func sanitizeUUID(id string) string {
	lower := strings.ToLower(strings.TrimSpace(id))
	var b strings.Builder
	hex := 0
	for _, r := range lower {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f':
			b.WriteRune(r)
			hex++
		case r == '-':
			b.WriteRune(r)
		}
	}
	if hex == 0 {
		return ""
	}
	return b.String()
}
