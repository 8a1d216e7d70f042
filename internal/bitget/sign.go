package bitget

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"time"
)

// Sign returns base64(HMAC-SHA256(secret, payload)), the signature used by both REST and the private stream.
func Sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// RESTPrehash builds timestamp + METHOD + path[?query] + body.
func RESTPrehash(timestampMS int64, method, path, query, body string) string {
	target := path
	if query != "" {
		target += "?" + query
	}
	return strconv.FormatInt(timestampMS, 10) + method + target + body
}

type Credentials struct {
	APIKey     string
	SecretKey  string
	Passphrase string
}

func (c Credentials) Valid() bool {
	return c.APIKey != "" && c.SecretKey != "" && c.Passphrase != ""
}

// LoginArgs builds the private stream login argument. The timestamp is in seconds.
func (c Credentials) LoginArgs(now time.Time) map[string]any {
	ts := strconv.FormatInt(now.Unix(), 10)
	return map[string]any{
		"apiKey":     c.APIKey,
		"passphrase": c.Passphrase,
		"timestamp":  ts,
		"sign":       Sign(c.SecretKey, ts+"GET"+"/user/verify"),
	}
}
