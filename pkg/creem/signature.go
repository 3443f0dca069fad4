package creem

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/url"
	"strings"
)

// CallbackKeys is the order in which redirect parameters are signed.
var CallbackKeys = []string{"request_id", "checkout_id", "order_id", "customer_id", "subscription_id", "product_id"}

// Param is one signed key/value pair of a redirect callback.
type Param struct {
	Key   string
	Value string
}

// Callback is a parsed checkout redirect. Params holds only the keys that
// were present on the query string, in signing order.
type Callback struct {
	Params    []Param
	Signature string
}

// ParseCallback extracts the signed parameters from a redirect query string.
// A key that is present with an empty value still takes part in the signature.
func ParseCallback(q url.Values) Callback {
	cb := Callback{Signature: q.Get("signature")}
	for _, key := range CallbackKeys {
		if q.Has(key) {
			cb.Params = append(cb.Params, Param{Key: key, Value: q.Get(key)})
		}
	}
	return cb
}

// Get returns the value of key, or "" when absent.
func (c Callback) Get(key string) string {
	for _, p := range c.Params {
		if p.Key == key {
			return p.Value
		}
	}
	return ""
}

// Sign returns the hex SHA-256 of "k1=v1|k2=v2|...|salt=<secret>".
func Sign(params []Param, secret string) string {
	parts := make([]string, 0, len(params)+1)
	for _, p := range params {
		parts = append(parts, p.Key+"="+p.Value)
	}
	parts = append(parts, "salt="+secret)
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether the callback carries a valid signature for secret.
func Verify(cb Callback, secret string) bool {
	if cb.Signature == "" || secret == "" {
		return false
	}
	expected := Sign(cb.Params, secret)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(cb.Signature))) == 1
}
