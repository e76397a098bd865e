package mediator

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

const (
	// SignatureHeader carries the HMAC-SHA256 signature of the request body.
	SignatureHeader = "X-Signature"
	// TimestampHeader carries the timestamp folded into the signed payload.
	TimestampHeader = "X-Timestamp"
)

// webhookSigner computes HMAC-SHA256 signatures for outbound webhook
// requests: HMAC-SHA256(timestamp + payload, signingSecret). The message's
// auth token doubles as the signing secret, so a receiver that already
// holds the bearer token can verify the body independently of TLS.
type webhookSigner struct{}

func newWebhookSigner() *webhookSigner {
	return &webhookSigner{}
}

// sign returns the signature and the timestamp it was computed over.
func (s *webhookSigner) sign(payload, secret string) (signature, timestamp string) {
	timestamp = time.Now().UTC().Truncate(time.Millisecond).Format(time.RFC3339Nano)
	return s.hmacSHA256Hex(timestamp+payload, secret), timestamp
}

func (s *webhookSigner) hmacSHA256Hex(data, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}
