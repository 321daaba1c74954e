// Package cachekey derives content-addressed keys for rendered artifacts.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"personalink/tokens"
)

// Derive returns a stable key for templateID and the resolved tokens.
// We return a hex-encoded SHA-256 of "templateId|k1=v1&k2=v2..." with keys
// sorted, so the key does not depend on how the map was built. Keys and
// values are query-escaped so '&', '=' and '|' inside a value cannot
// shift a field boundary.
func Derive(templateID string, resolved map[string]string) string {
	keys := make([]string, 0, len(resolved))
	for k := range resolved {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(url.QueryEscape(templateID))
	b.WriteByte('|')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(resolved[k]))
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// ForResolved derives the key for a resolved token set.
func ForResolved(templateID string, r tokens.Resolved) string {
	return Derive(templateID, r.Map())
}

// Valid reports whether key has the shape produced by Derive.
func Valid(key string) bool {
	if len(key) != hex.EncodedLen(sha256.Size) {
		return false
	}

	// Check all characters, don't exit early
	valid := 1
	for _, c := range key {
		isHexDigit := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
		if !isHexDigit {
			valid = 0
		}
	}
	return valid == 1
}

// Revision names one render of a key. Each render is stored under a new
// object so a re-render after a purge never reuses a URL that CDNs and
// browsers may hold as immutable.
func Revision(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 36)
}

// ObjectPath is the storage object name of revision rev of the artifact for key.
func ObjectPath(templateID, key, rev string) string {
	return "renders/" + templateID + "/" + key + "-" + rev + ".png"
}
