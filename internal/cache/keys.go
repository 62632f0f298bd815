package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// MediaInfoKey addresses cached stream info for a source URL.
func MediaInfoKey(platform, sourceURL string) string {
	sum := sha256.Sum256([]byte(sourceURL))
	return fmt.Sprintf("media:info:%s:%s", platform, hex.EncodeToString(sum[:]))
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
