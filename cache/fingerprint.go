// Package cache memoises approved responses keyed by a stable fingerprint of
// the query, tenant and whitelisted context, with LRU eviction and a TTL.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Fingerprint derives the cache and coalescing key for a query.
//
// The query is canonicalised (trimmed, whitespace collapsed, lowercased) and
// concatenated with the tenant id and a sorted serialisation of the context
// entries named in contextKeys. Context keys absent from the whitelist never
// affect the fingerprint, so by default identical queries share cache entries
// across differing caller hints.
func Fingerprint(query, tenantID string, context map[string]any, contextKeys []string) string {
	canonical := strings.ToLower(strings.Join(strings.Fields(query), " "))

	parts := make([]string, 0, len(contextKeys))
	for _, key := range contextKeys {
		if v, ok := context[key]; ok {
			parts = append(parts, fmt.Sprintf("%s=%v", key, v))
		}
	}
	sort.Strings(parts)

	h := sha256.New()
	h.Write([]byte(canonical))
	h.Write([]byte{0})
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(h.Sum(nil))
}
