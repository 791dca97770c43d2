package resolver

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"
)

// The legacy identifier envelope: urlsafe base64 over a fixed magic prefix
// and suffix around a length-prefixed ASCII payload. Newer-epoch identifiers
// carry an opaque signature payload instead of a URL and must go through the
// batch-execution RPC.
const (
	envelopePrefix = "\x08\x13\x22"
	envelopeSuffix = "\xd2\x01\x00"

	// signatureMarker opens the payload of newer-epoch identifiers.
	signatureMarker = "AU_yqL"
)

// decodeEnvelope unwraps a legacy identifier and returns its payload string.
// The payload is either the article URL itself or an opaque signature that
// needs the online path.
func decodeEnvelope(id string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(id, "="))
	if err != nil {
		return "", fmt.Errorf("malformed base64: %w", err)
	}

	if !bytes.HasPrefix(raw, []byte(envelopePrefix)) {
		return "", fmt.Errorf("unrecognized envelope")
	}
	raw = raw[len(envelopePrefix):]
	raw = bytes.TrimSuffix(raw, []byte(envelopeSuffix))

	if len(raw) == 0 {
		return "", fmt.Errorf("empty envelope")
	}

	// Length prefix: one byte, or two bytes when the first has its high bit
	// set (low 7 bits plus the continuation byte shifted by 7).
	n := int(raw[0])
	offset := 1
	if n >= 0x80 {
		if len(raw) < 2 {
			return "", fmt.Errorf("truncated length prefix")
		}
		n = (n & 0x7f) | int(raw[1])<<7
		offset = 2
	}
	if offset+n > len(raw) {
		return "", fmt.Errorf("payload length %d exceeds envelope", n)
	}

	return string(raw[offset : offset+n]), nil
}

// EncodeLegacy wraps a URL in the legacy identifier envelope. Used by tests
// and fixtures to produce identifiers the offline path can round-trip.
func EncodeLegacy(url string) string {
	payload := []byte(url)
	var buf bytes.Buffer
	buf.WriteString(envelopePrefix)
	n := len(payload)
	if n >= 0x80 {
		buf.WriteByte(byte(n&0x7f | 0x80))
		buf.WriteByte(byte(n >> 7))
	} else {
		buf.WriteByte(byte(n))
	}
	buf.Write(payload)
	buf.WriteString(envelopeSuffix)
	return base64.RawURLEncoding.EncodeToString(buf.Bytes())
}
