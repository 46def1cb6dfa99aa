package evc

import (
	"strings"

	"github.com/Epistimio/kleio/store"
)

// Flatten collapses nested documents into dotted keys. Non-document values,
// including timed-value histories, are leaves. Empty documents are kept as
// leaves so they round-trip.
func Flatten(doc store.Document) store.Document {
	out := store.Document{}
	flattenInto(out, "", doc)
	return out
}

func flattenInto(out store.Document, prefix string, doc store.Document) {
	for k, v := range doc {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := v.(store.Document); ok && len(sub) > 0 {
			flattenInto(out, key, sub)
			continue
		}
		out[key] = v
	}
}

// Unflatten rebuilds the nested document from dotted keys.
func Unflatten(flat store.Document) store.Document {
	out := store.Document{}
	for key, v := range flat {
		parts := strings.Split(key, ".")
		sub := out
		for _, part := range parts[:len(parts)-1] {
			next, ok := sub[part].(store.Document)
			if !ok {
				next = store.Document{}
				sub[part] = next
			}
			sub = next
		}
		sub[parts[len(parts)-1]] = v
	}
	return out
}
