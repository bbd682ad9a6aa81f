package hambit

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/example/fundgate/internal/security"
)

// CallbackSkew bounds how far a signed callback's timestamp may drift
// from the local clock.
const CallbackSkew = 5 * time.Minute

var (
	ErrMissingSignature = errors.New("hambit: missing signature headers")
	ErrUnknownAccessKey = errors.New("hambit: unknown access key")
	ErrStaleTimestamp   = errors.New("hambit: timestamp outside allowed window")
	ErrBadSignature     = errors.New("hambit: signature mismatch")
)

// emptyBody is what gets signed for a request that carries no filters.
var emptyBody = []byte("[]")

// Signer produces Hambit's request signature headers. The secret never
// leaves the process.
type Signer struct {
	AccessKey string
	SecretKey string
	Now       func() time.Time
	Nonce     func() string
}

func NewSigner(accessKey, secretKey string) *Signer {
	return &Signer{AccessKey: accessKey, SecretKey: secretKey, Now: time.Now, Nonce: uuid.NewString}
}

// Sign returns base64(HMAC-SHA256(secret, accessKey+timestamp+nonce+body)).
func (s *Signer) Sign(timestamp, nonce string, body []byte) string {
	msg := make([]byte, 0, len(s.AccessKey)+len(timestamp)+len(nonce)+len(body))
	msg = append(msg, s.AccessKey...)
	msg = append(msg, timestamp...)
	msg = append(msg, nonce...)
	msg = append(msg, body...)
	return security.SignBase64([]byte(s.SecretKey), msg)
}

// Headers returns the authentication headers for body, which must be the
// exact bytes sent (or the filter JSON for a GET).
func (s *Signer) Headers(body []byte) http.Header {
	if len(body) == 0 {
		body = emptyBody
	}
	ts := strconv.FormatInt(s.Now().UnixMilli(), 10)
	nonce := s.Nonce()
	h := http.Header{}
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("access_key", s.AccessKey)
	h.Set("timestamp", ts)
	h.Set("nonce", nonce)
	h.Set("sign", s.Sign(ts, nonce, body))
	return h
}

// VerifyCallback checks an inbound callback signed with the same scheme
// over its raw body. It returns the nonce so callers can reject replays.
func (s *Signer) VerifyCallback(h http.Header, body []byte, now time.Time) (string, error) {
	accessKey := h.Get("access_key")
	ts := h.Get("timestamp")
	nonce := h.Get("nonce")
	sign := h.Get("sign")
	if accessKey == "" || ts == "" || nonce == "" || sign == "" {
		return "", ErrMissingSignature
	}
	if accessKey != s.AccessKey {
		return "", ErrUnknownAccessKey
	}

	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return "", ErrStaleTimestamp
	}
	drift := now.Sub(time.UnixMilli(ms))
	if drift > CallbackSkew || drift < -CallbackSkew {
		return "", ErrStaleTimestamp
	}

	if len(body) == 0 {
		body = emptyBody
	}
	msg := []byte(accessKey + ts + nonce)
	msg = append(msg, body...)
	if !security.VerifyBase64([]byte(s.SecretKey), msg, sign) {
		return "", ErrBadSignature
	}
	return nonce, nil
}
