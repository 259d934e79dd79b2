package crypto

import (
	"crypto/sha256"
	"encoding/hex"
)

// Checker returns the AlgoLab "Checker" header value:
// hex(SHA-256(apiKey + hostname + path)). hostname is the scheme and host
// exactly as configured, e.g. "https://www.algolab.com.tr".
func Checker(apiKey, hostname, path string) string {
	sum := sha256.Sum256([]byte(apiKey + hostname + path))
	return hex.EncodeToString(sum[:])
}
