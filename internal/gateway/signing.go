package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"sort"
	"strings"
)

// esewaMessage joins fields as "k=v" pairs, comma separated, in the order
// given by names. Missing fields sign as empty values.
func esewaMessage(fields map[string]string, names []string) string {
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, n+"="+fields[n])
	}
	return strings.Join(parts, ",")
}

// signEsewa returns base64(HMAC-SHA256(secret, message)).
func signEsewa(secret Secret, message string) string {
	mac := hmac.New(sha256.New, secret.reveal())
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// npsMessage concatenates payload values ordered by key. Keys are not part of
// the signed message.
func npsMessage(payload map[string]string) string {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(payload[k])
	}
	return b.String()
}

// signNPS returns lowercase hex HMAC-SHA512 over npsMessage(payload).
func signNPS(secret Secret, payload map[string]string) string {
	mac := hmac.New(sha512.New, secret.reveal())
	mac.Write([]byte(npsMessage(payload)))
	return hex.EncodeToString(mac.Sum(nil))
}

func signaturesEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
