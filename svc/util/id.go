package util

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

const (
	base62Chars          = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	DefaultShortIDLength = 8
	MinShortIDLength     = 4
	MaxShortIDLength     = 32
	maxIDAttempts        = 5
)

var ErrIDExhausted = errors.New("short id collision after 5 attempts")

// now is swapped by tests that need two candidates from the same instant.
var now = time.Now

// ContentHash is the lowercase hex SHA-256 of content.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// GenShortID derives a base62 id from content, the current time and an
// attempt salt, asking exists about each candidate. Errors from exists
// abort the search.
func GenShortID(content string, length int, exists func(string) (bool, error)) (string, error) {
	if length < MinShortIDLength || length > MaxShortIDLength {
		return "", errors.Errorf("short id length %d out of range", length)
	}
	for salt := 0; salt < maxIDAttempts; salt++ {
		id := ShortIDCandidate(content, now().UnixNano(), salt, length)
		exist, err := exists(id)
		if err != nil {
			return "", errors.Wrap(err, "short id exists check")
		}
		if !exist {
			return id, nil
		}
	}
	return "", ErrIDExhausted
}

// ShortIDCandidate maps the first length bytes of
// sha256(content || ts || salt) onto the base62 alphabet.
func ShortIDCandidate(content string, ts int64, salt, length int) string {
	h := sha256.New()
	h.Write([]byte(content))
	h.Write([]byte(strconv.FormatInt(ts, 10)))
	h.Write([]byte(strconv.Itoa(salt)))
	sum := h.Sum(nil)
	out := make([]byte, length)
	for i := range out {
		out[i] = base62Chars[int(sum[i%len(sum)])%len(base62Chars)]
	}
	return string(out)
}

// IsShortID reports whether s could have come from GenShortID.
func IsShortID(s string) bool {
	if len(s) < MinShortIDLength || len(s) > MaxShortIDLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z') {
			return false
		}
	}
	return true
}
