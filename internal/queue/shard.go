package queue

import (
	"crypto/md5"
	"encoding/hex"
)

// HashQueueName shards a destination URL into one of 16 stable queue names:
// base plus the first hex digit of the URL's MD5. A slow destination then
// backs up only its bucket instead of one global queue, without creating an
// unbounded queue per destination. Unrelated destinations sharing a bucket
// is an accepted trade-off.
func HashQueueName(base, destinationURL string) string {
	sum := md5.Sum([]byte(destinationURL))
	return base + hex.EncodeToString(sum[:])[:1]
}
