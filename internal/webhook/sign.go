package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

const signaturePrefix = "sha256="

var errVerification = errors.New("webhook verification failed")

// Sign returns the X-OCRGate-Signature value for body sent at timestamp.
func Sign(secret string, timestamp int64, body []byte) string {
	return signaturePrefix + hex.EncodeToString(mac(secret, strconv.FormatInt(timestamp, 10), body))
}

// Verify checks a delivery's signature and rejects timestamps further than
// tolerance from now. All failures return the same generic error.
func Verify(secret, timestamp, signature string, body []byte, now time.Time, tolerance time.Duration) error {
	if secret == "" || signature == "" || timestamp == "" {
		return errVerification
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return errVerification
	}
	if tolerance > 0 {
		skew := now.Sub(time.Unix(ts, 0))
		if skew < -tolerance || skew > tolerance {
			return errVerification
		}
	}
	if !strings.HasPrefix(signature, signaturePrefix) {
		return errVerification
	}
	actual, err := hex.DecodeString(strings.TrimPrefix(signature, signaturePrefix))
	if err != nil {
		return errVerification
	}
	if subtle.ConstantTimeCompare(mac(secret, timestamp, body), actual) != 1 {
		return errVerification
	}
	return nil
}

func mac(secret, timestamp string, body []byte) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte("."))
	h.Write(body)
	return h.Sum(nil)
}
