package worker

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// DeriveSecret returns the per-worker report signing secret.
func DeriveSecret(master, workerID string) string {
	mac := hmac.New(sha256.New, []byte(master))
	mac.Write([]byte(workerID))
	return hex.EncodeToString(mac.Sum(nil))
}
