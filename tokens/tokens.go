// Package tokens defines the allow-listed personalization tokens and how raw
// caller input is projected onto them.
package tokens

import (
	"strings"
	"unicode"
)

// MaxValueLen is the maximum length of a token value, in runes.
const MaxValueLen = 128

// Key is an allowed token name. The set is closed: values outside
// [FirstName, Offer] are never produced by this package.
type Key uint8

const (
	FirstName Key = iota
	LastName
	Email
	Company
	Title
	City
	Country
	Industry
	FavoriteStyle
	Offer

	keyCount
)

var names = [keyCount]string{
	FirstName:     "first_name",
	LastName:      "last_name",
	Email:         "email",
	Company:       "company",
	Title:         "title",
	City:          "city",
	Country:       "country",
	Industry:      "industry",
	FavoriteStyle: "favorite_style",
	Offer:         "offer",
}

var fallbacks = [keyCount]string{
	FirstName:     "there",
	LastName:      "",
	Email:         "",
	Company:       "your company",
	Title:         "",
	City:          "your city",
	Country:       "",
	Industry:      "your industry",
	FavoriteStyle: "modern",
	Offer:         "a special offer",
}

var byName = func() map[string]Key {
	m := make(map[string]Key, keyCount)
	for k := range keyCount {
		m[names[k]] = k
	}
	return m
}()

func (k Key) String() string {
	if k >= keyCount {
		return ""
	}
	return names[k]
}

// Fallback returns the value used when the caller supplies none.
func (k Key) Fallback() string {
	if k >= keyCount {
		return ""
	}
	return fallbacks[k]
}

// ParseKey looks up an allowed token by name.
func ParseKey(name string) (Key, bool) {
	k, ok := byName[name]
	return k, ok
}

// Keys returns every allowed key in declaration order.
func Keys() []Key {
	keys := make([]Key, 0, keyCount)
	for k := range keyCount {
		keys = append(keys, k)
	}
	return keys
}

// IsAllowed reports whether name is an allowed token name.
func IsAllowed(name string) bool {
	_, ok := byName[name]
	return ok
}

// Resolved holds one sanitized value per allowed key.
type Resolved [keyCount]string

// Get returns the value for k.
func (r Resolved) Get(k Key) string {
	if k >= keyCount {
		return ""
	}
	return r[k]
}

// Map returns the resolved tokens keyed by name.
func (r Resolved) Map() map[string]string {
	m := make(map[string]string, keyCount)
	for k := range keyCount {
		m[names[k]] = r[k]
	}
	return m
}

// Resolve projects raw caller input onto the allow-list. Missing or empty
// values take the key's fallback; unknown names are ignored.
func Resolve(raw map[string]string) Resolved {
	var r Resolved
	for k := range keyCount {
		v := ""
		if s, ok := raw[names[k]]; ok {
			v = Sanitize(s)
		}
		if v == "" {
			v = fallbacks[k]
		}
		r[k] = v
	}
	return r
}

// Sanitize strips control characters and angle brackets, trims surrounding
// whitespace and truncates to MaxValueLen runes.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, c := range s {
		if c == '<' || c == '>' || c == unicode.ReplacementChar || unicode.IsControl(c) {
			continue
		}
		b.WriteRune(c)
	}

	out := strings.TrimSpace(b.String())
	if runes := []rune(out); len(runes) > MaxValueLen {
		out = strings.TrimSpace(string(runes[:MaxValueLen]))
	}
	return out
}

// Filter keeps the allowed names from requested, in order, without duplicates.
func Filter(requested []string) []Key {
	seen := make(map[Key]bool, len(requested))
	var keys []Key
	for _, name := range requested {
		k, ok := byName[strings.TrimSpace(name)]
		if !ok || seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}
	return keys
}
