// Package signature implements the request signing shapes used by upstream providers:
// canonical "k=v&k=v" join of the parameters, a secret suffix and a hex digest.
package signature

import (
	"crypto/md5"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"slices"
	"strconv"
	"strings"
)

// Field carrying the signature in parameter sets
const Field = "sign"

// Algorithm selects digest and secret suffix
type Algorithm string

const (
	MD5Key     Algorithm = "md5-key"     // md5(k=v&...&key=<secret>)
	MD5Bare    Algorithm = "md5-bare"    // md5(k=v&...<secret>)
	SHA256Key  Algorithm = "sha256-key"  // sha256(k=v&...&key=<secret>)
	SHA256Bare Algorithm = "sha256-bare" // sha256(k=v&...<secret>)
)

func ParseAlgorithm(s string) (Algorithm, error) {
	a := Algorithm(strings.ToLower(strings.TrimSpace(s)))
	switch a {
	case MD5Key, MD5Bare, SHA256Key, SHA256Bare:
		return a, nil
	default:
		return "", fmt.Errorf("unknown signature algorithm %q", s)
	}
}

func (a Algorithm) newHash() hash.Hash {
	if strings.HasPrefix(string(a), "sha256") {
		return sha256.New()
	}
	return md5.New()
}

func (a Algorithm) keySuffix() bool {
	return strings.HasSuffix(string(a), "-key")
}

// Canonical joins the parameters: 'sign' and empty values dropped, keys sorted bytewise
func Canonical(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if k == Field || v == "" {
			continue
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}

// Payload is the exact byte string digested for the parameters and the secret.
// An empty parameter set degenerates to the secret alone for every algorithm.
func Payload(params map[string]string, secret string, alg Algorithm) string {
	base := Canonical(params)
	switch {
	case base == "", !alg.keySuffix():
		return base + secret
	default:
		return base + "&key=" + secret
	}
}

// Sign returns lowercase hex digest of the parameters. The input map is not modified.
func Sign(params map[string]string, secret string, alg Algorithm) string {
	h := alg.newHash()
	h.Write([]byte(Payload(params, secret, alg)))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify re-derives the digest and compares it case-insensitively with candidate
func Verify(params map[string]string, secret string, alg Algorithm, candidate string) bool {
	if candidate == "" {
		return false
	}
	expected := Sign(params, secret, alg)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(candidate))) == 1
}

// VerifyParams verifies the signature carried in the 'sign' field.
// Parameter sets without the field, or with nothing else to sign, are never trusted.
func VerifyParams(params map[string]string, secret string, alg Algorithm) bool {
	candidate, ok := params[Field]
	if !ok || !Meaningful(params) {
		return false
	}
	return Verify(params, secret, alg, candidate)
}

// Meaningful reports whether there is at least one parameter taking part in the digest
func Meaningful(params map[string]string) bool {
	return Canonical(params) != ""
}

// Flatten converts decoded JSON object into string parameters.
// Numbers are rendered without exponent, nested values as compact JSON, null as empty string.
func Flatten(values map[string]any) map[string]string {
	params := make(map[string]string, len(values))
	for k, v := range values {
		params[k] = stringify(v)
	}
	return params
}

func stringify(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}
