package voice

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha1" // #nosec G505 -- Twilio signs callbacks with HMAC-SHA1
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultWebhookTolerance bounds clock skew for timestamped signatures.
const DefaultWebhookTolerance = 5 * time.Minute

// SignHMACSHA256Hex returns the hex HMAC-SHA256 of payload under secret.
func SignHMACSHA256Hex(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMACSHA256Hex checks a hex HMAC-SHA256 signature, optionally
// prefixed with "sha256=".
func VerifyHMACSHA256Hex(secret, payload []byte, signature string) bool {
	if len(secret) == 0 {
		return false
	}
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	got, err := hex.DecodeString(signature)
	if err != nil || len(got) != sha256.Size {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}

// TwilioSignature computes X-Twilio-Signature: base64 HMAC-SHA1 over the full
// callback URL followed by each POST parameter name and value, sorted by name.
func TwilioSignature(authToken, callbackURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(callbackURL)
	for _, k := range keys {
		values := append([]string(nil), params[k]...)
		sort.Strings(values)
		for _, v := range values {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyHMACSHA1Base64 checks a Twilio request signature.
func VerifyHMACSHA1Base64(authToken, callbackURL string, params url.Values, signature string) bool {
	if authToken == "" || callbackURL == "" || signature == "" {
		return false
	}
	expected := TwilioSignature(authToken, callbackURL, params)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.TrimSpace(signature))) == 1
}

// VerifyEd25519 checks a Telnyx style signature: base64 Ed25519 over
// "<timestamp>|<payload>", with timestamp in unix seconds within tolerance of now.
func VerifyEd25519(publicKey ed25519.PublicKey, timestamp string, payload []byte, signature string, tolerance time.Duration, now time.Time) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	secs, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return false
	}
	if tolerance <= 0 {
		tolerance = DefaultWebhookTolerance
	}
	skew := now.Sub(time.Unix(secs, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > tolerance {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}

	msg := make([]byte, 0, len(timestamp)+1+len(payload))
	msg = append(msg, strings.TrimSpace(timestamp)...)
	msg = append(msg, '|')
	msg = append(msg, payload...)
	return ed25519.Verify(publicKey, msg, sig)
}

// ParseEd25519PublicKey accepts a base64 or hex encoded raw public key.
func ParseEd25519PublicKey(encoded string) (ed25519.PublicKey, bool) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, false
	}
	if raw, err := base64.StdEncoding.DecodeString(encoded); err == nil && len(raw) == ed25519.PublicKeySize {
		return ed25519.PublicKey(raw), true
	}
	if raw, err := hex.DecodeString(encoded); err == nil && len(raw) == ed25519.PublicKeySize {
		return ed25519.PublicKey(raw), true
	}
	return nil, false
}
