package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

// HMACSHA256 returns the raw HMAC-SHA256 of msg under secret.
func HMACSHA256(secret, msg []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(msg)
	return mac.Sum(nil)
}

func SignHex(secret, msg []byte) string {
	return hex.EncodeToString(HMACSHA256(secret, msg))
}

func SignBase64(secret, msg []byte) string {
	return base64.StdEncoding.EncodeToString(HMACSHA256(secret, msg))
}

// VerifyBase64 compares a base64 signature against msg in constant time.
func VerifyBase64(secret, msg []byte, sig string) bool {
	got, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(got, HMACSHA256(secret, msg))
}

// VerifyHex compares a hex signature against msg in constant time.
func VerifyHex(secret, msg []byte, sig string) bool {
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(got, HMACSHA256(secret, msg))
}
