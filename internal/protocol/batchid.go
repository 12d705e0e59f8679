package protocol

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"
)

const DefaultBatchIDPrefix = "KA"

var batchIDPattern = regexp.MustCompile(`^(?:[A-Z]{2,4}-)?[A-Z]{3}-[A-Z]{2}-[0-9]{6}$`)

// BatchIDCodec generates identifiers of the form PREFIX-CROP-LC-NNNNNN.
// The suffix is the low six digits of a millisecond timestamp, so two batches
// of the same crop and location created within the same window collide.
type BatchIDCodec struct {
	Prefix string
	Now    func() time.Time
}

func NewBatchIDCodec(prefix string) BatchIDCodec {
	return BatchIDCodec{Prefix: prefix, Now: time.Now}
}

func (c BatchIDCodec) Generate(cropType, location string) string {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	suffix := now().UnixMilli() % 1_000_000
	if suffix < 0 {
		suffix = -suffix
	}
	id := fmt.Sprintf("%s-%s-%06d", letterCode(cropType, 3), letterCode(location, 2), suffix)
	prefix := strings.ToUpper(strings.TrimSpace(c.Prefix))
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}

// ValidateBatchID reports whether candidate has the identifier shape.
// The system prefix is optional to accept identifiers minted before it existed.
func ValidateBatchID(candidate string) bool {
	return batchIDPattern.MatchString(candidate)
}

func ValidBatchIDPrefix(prefix string) bool {
	if prefix == "" {
		return true
	}
	if len(prefix) < 2 || len(prefix) > 4 {
		return false
	}
	for _, r := range prefix {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

func letterCode(s string, n int) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if b.Len() == n {
			break
		}
		if r <= unicode.MaxASCII && unicode.IsLetter(r) {
			b.WriteRune(r)
		}
	}
	for b.Len() < n {
		b.WriteByte('X')
	}
	return b.String()
}
