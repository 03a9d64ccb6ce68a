package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Request signing constants. The derived signing key chains three HMAC
// operations over the calendar date, region, and API domain, so a leaked
// intermediate key is scoped to one day and one deployment.
const (
	// Algorithm names the signing scheme in the string to sign.
	Algorithm = "HMAC-SHA256"

	// SecretPrefix is prepended to the credential secret before the first
	// HMAC in the derivation chain.
	SecretPrefix = "HAVOC"

	// SigDateFormat is the wire format of the signature timestamp header.
	SigDateFormat = "20060102T150405Z"

	// DateStampFormat is the UTC calendar date used in key derivation.
	DateStampFormat = "20060102"
)

// Header names carried on every request.
const (
	HeaderAPIKey    = "x-api-key"
	HeaderSigDate   = "x-sig-date"
	HeaderSignature = "x-signature"
)

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

// SigningKey derives the request signing key:
// kDate = HMAC(SecretPrefix+secret, dateStamp), kRegion = HMAC(kDate,
// region), kSigning = HMAC(kRegion, apiDomain).
func SigningKey(secret, dateStamp, region, apiDomain string) []byte {
	kDate := hmacSHA256([]byte(SecretPrefix+secret), dateStamp)
	kRegion := hmacSHA256(kDate, region)
	return hmacSHA256(kRegion, apiDomain)
}

// StringToSign assembles the canonical string covered by the signature.
func StringToSign(sigDate, dateStamp, region, apiDomain, apiKey string) string {
	keyHash := sha256.Sum256([]byte(apiKey))
	return Algorithm + "\n" + sigDate + "\n" +
		dateStamp + "/" + region + "/" + apiDomain +
		hex.EncodeToString(keyHash[:])
}

// Sign computes the hex-encoded signature for a request. dateStamp must be
// the signer's current UTC calendar date.
func Sign(secret, sigDate, dateStamp, region, apiDomain, apiKey string) string {
	key := SigningKey(secret, dateStamp, region, apiDomain)
	return hex.EncodeToString(hmacSHA256(key, StringToSign(sigDate, dateStamp, region, apiDomain, apiKey)))
}

// SignNow produces the sig-date header value and signature for the current
// moment. Client-side helper.
func SignNow(secret, region, apiDomain, apiKey string, now time.Time) (sigDate, signature string) {
	now = now.UTC()
	sigDate = now.Format(SigDateFormat)
	signature = Sign(secret, sigDate, now.Format(DateStampFormat), region, apiDomain, apiKey)
	return sigDate, signature
}
