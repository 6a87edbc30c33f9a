package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Signed requests carry the unix timestamp and the signature over it and the
// body in these headers.
const (
	HeaderWebhookTimestamp = "X-Portal-Timestamp"
	HeaderWebhookSignature = "X-Portal-Signature"
)

// SignPayload signs an outbound webhook body together with its timestamp.
func SignPayload(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return "t=" + strconv.FormatInt(timestamp, 10) + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

func VerifyPayload(secret string, timestamp int64, body []byte, signature string) bool {
	expected := SignPayload(secret, timestamp, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
