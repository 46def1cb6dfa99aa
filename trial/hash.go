package trial

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/Epistimio/kleio/store"
)

// Canonical returns the canonical string form used for identity hashing.
// Map keys are sorted lexicographically at every level, list order is
// preserved, floats use strconv's shortest 'g' form, times are RFC3339 with
// millisecond precision in UTC. The form is stable across backends: both
// store timestamps at millisecond precision, so a header read back hashes to
// the same id it was saved under.
func Canonical(v any) string {
	var b strings.Builder
	writeCanonical(&b, v)
	return b.String()
}

func writeCanonical(b *strings.Builder, v any) {
	switch t := v.(type) {
	case nil:
		b.WriteString("null")
	case string:
		b.WriteString(strconv.Quote(t))
	case bool:
		b.WriteString(strconv.FormatBool(t))
	case int:
		b.WriteString(strconv.FormatInt(int64(t), 10))
	case int32:
		b.WriteString(strconv.FormatInt(int64(t), 10))
	case int64:
		b.WriteString(strconv.FormatInt(t, 10))
	case float32:
		b.WriteString(strconv.FormatFloat(float64(t), 'g', -1, 64))
	case float64:
		b.WriteString(strconv.FormatFloat(t, 'g', -1, 64))
	case time.Time:
		b.WriteString(strconv.Quote(t.UTC().Truncate(time.Millisecond).Format("2006-01-02T15:04:05.000Z")))
	case store.Document:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(k))
			b.WriteByte(':')
			writeCanonical(b, t[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	case []string:
		b.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(item))
		}
		b.WriteByte(']')
	default:
		b.WriteString(strconv.Quote(fmt.Sprintf("%v", t)))
	}
}

// computeID derives the 128-bit content-addressed trial id from the
// immutable header fields.
func computeID(refers, host, version store.Document, commandline []string, configuration store.Document) string {
	h := blake3.New()
	for _, part := range []any{refers, host, version, commandline, configuration} {
		h.WriteString(Canonical(part))
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}
