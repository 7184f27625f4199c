package signature

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"maps"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func sha256hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

var allAlgorithms = []Algorithm{MD5Key, MD5Bare, SHA256Key, SHA256Bare}

func TestCanonical(t *testing.T) {
	params := map[string]string{
		"mchId":     "1001",
		"amount":    "100.00",
		"sign":      "deadbeef",
		"empty":     "",
		"Zeta":      "z",
		"notifyUrl": "https://example.com/cb",
	}

	got := Canonical(params)

	// uppercase sorts before lowercase in byte order
	require.Equal(t, "Zeta=z&amount=100.00&mchId=1001&notifyUrl=https://example.com/cb", got)
}

func TestSign(t *testing.T) {
	params := map[string]string{"b": "2", "a": "1"}

	tests := []struct {
		alg      Algorithm
		expected string
	}{
		{MD5Key, md5hex("a=1&b=2&key=secret")},
		{MD5Bare, md5hex("a=1&b=2secret")},
		{SHA256Key, sha256hex("a=1&b=2&key=secret")},
		{SHA256Bare, sha256hex("a=1&b=2secret")},
	}

	for _, tt := range tests {
		t.Run(string(tt.alg), func(t *testing.T) {
			require.Equal(t, tt.expected, Sign(params, "secret", tt.alg))
		})
	}

	t.Run("input not mutated", func(t *testing.T) {
		in := map[string]string{"a": "1", "sign": "x", "empty": ""}
		before := maps.Clone(in)

		_ = Sign(in, "secret", MD5Key)

		require.Equal(t, before, in)
	})

	t.Run("empty params digest the secret alone", func(t *testing.T) {
		require.Equal(t, md5hex("secret"), Sign(map[string]string{}, "secret", MD5Bare))
		require.Equal(t, md5hex("secret"), Sign(map[string]string{"sign": "x"}, "secret", MD5Key), "no key= prefix without parameters")
		require.Equal(t, md5hex("secret"), Sign(map[string]string{"a": ""}, "secret", MD5Key))
		require.Equal(t, "secret", Payload(map[string]string{}, "secret", SHA256Key))
		require.False(t, Meaningful(map[string]string{"sign": "x", "a": ""}))
		require.True(t, Meaningful(map[string]string{"a": "1"}))
	})
}

func TestVerify(t *testing.T) {
	params := map[string]string{
		"orderNo": "R-1",
		"amount":  "250.00",
		"status":  "2",
	}

	for _, alg := range allAlgorithms {
		t.Run(string(alg), func(t *testing.T) {
			sig := Sign(params, "k3y", alg)

			require.True(t, Verify(params, "k3y", alg, sig), "round trip must verify")
			require.True(t, Verify(params, "k3y", alg, strings.ToUpper(sig)), "comparison is case-insensitive")
			require.False(t, Verify(params, "other", alg, sig), "wrong secret must fail")
			require.False(t, Verify(params, "k3y", alg, ""), "empty candidate must fail")

			for key := range params {
				tampered := maps.Clone(params)
				tampered[key] = tampered[key] + "0"
				require.False(t, Verify(tampered, "k3y", alg, sig), "tampered %s must fail", key)
			}
		})
	}
}

func TestVerifyParams(t *testing.T) {
	params := map[string]string{"orderNo": "R-1", "status": "SUCCESS"}
	signed := maps.Clone(params)
	signed[Field] = Sign(params, "k3y", SHA256Bare)

	require.True(t, VerifyParams(signed, "k3y", SHA256Bare))
	require.False(t, VerifyParams(params, "k3y", SHA256Bare), "missing sign field is never trusted")

	empty := map[string]string{"status": ""}
	empty[Field] = Sign(empty, "k3y", SHA256Bare)
	require.False(t, VerifyParams(empty, "k3y", SHA256Bare), "digest of the bare secret proves nothing")
}

func TestParseAlgorithm(t *testing.T) {
	alg, err := ParseAlgorithm(" MD5-Key ")
	require.NoError(t, err)
	require.Equal(t, MD5Key, alg)

	_, err = ParseAlgorithm("sha1")
	require.Error(t, err)
}

func TestFlatten(t *testing.T) {
	var values map[string]any
	err := json.Unmarshal([]byte(`{"amount": 1500000, "rate": 0.5, "ok": true, "none": null, "name": "x", "extra": {"a": 1}}`), &values)
	require.NoError(t, err)

	got := Flatten(values)

	require.Equal(t, map[string]string{
		"amount": "1500000",
		"rate":   "0.5",
		"ok":     "true",
		"none":   "",
		"name":   "x",
		"extra":  `{"a":1}`,
	}, got)
}
