package processors

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// HashRow computes the content hash of a row over its canonical (sorted-key)
// JSON encoding, so equal content hashes identically regardless of map
// iteration order. The store uses the same hash for cross-run dedup.
func HashRow(row map[string]any) (string, error) {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return "", err
		}
		vb, err := json.Marshal(row[k])
		if err != nil {
			return "", err
		}
		b.Write(kb)
		b.WriteByte(':')
		b.Write(vb)
	}
	b.WriteByte('}')

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:]), nil
}

// DedupRows removes in-batch duplicates by content hash, preserving the
// first occurrence. The executor calls it after extraction when the act
// opts in; the parser itself never dedups.
func DedupRows(rows []map[string]any) ([]map[string]any, error) {
	if len(rows) < 2 {
		return rows, nil
	}

	seen := make(map[string]bool, len(rows))
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		h, err := HashRow(row)
		if err != nil {
			return nil, err
		}
		if seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, row)
	}
	return out, nil
}
