// Package signing canonicalizes link parameters and signs them with HMAC-SHA256.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/url"
	"sort"
	"strings"
)

// Params is a flat parameter set. Numeric values are formatted in base 10
// by the caller so that builder and resolver sign identical strings.
type Params map[string]string

// Signer signs and verifies Params with a server-held secret.
type Signer struct {
	secret []byte
}

// New creates a signer. The secret is copied.
func New(secret []byte) (*Signer, error) {
	if len(secret) == 0 {
		return nil, errors.New("signing secret is empty")
	}
	return &Signer{secret: append([]byte(nil), secret...)}, nil
}

// Canonical joins the query-escaped parameters as key=value pairs sorted by
// key. Escaping keeps the encoding injective: a value holding "&k=v" cannot
// pass for a separate parameter.
func Canonical(p Params) string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p[k]))
	}
	return b.String()
}

// Sign returns the lowercase hex HMAC-SHA256 of Canonical(p).
func (s *Signer) Sign(p Params) string {
	return hex.EncodeToString(s.mac(p))
}

// Verify reports whether sig is the signature of p.
// The comparison is constant-time; malformed signatures simply fail.
func (s *Signer) Verify(p Params, sig string) bool {
	// Validate token is exactly 64 hex characters (SHA256 output)
	if len(sig) != hex.EncodedLen(sha256.Size) {
		return false
	}
	provided, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(provided, s.mac(p)) == 1
}

func (s *Signer) mac(p Params) []byte {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(Canonical(p)))
	return h.Sum(nil)
}
