package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// ComputePartitionKey derives the frozen partition key for a conversation
// at creation time. Two strategies are supported: time-based (YYYY/MM of
// the creation instant) and hash-based ({first2}/{next2} of a SHA-256 hash
// of chat_id, so directory fan-out stays uniform regardless of how
// chat_ids are generated).
func ComputePartitionKey(strategy string, timeFormat string, chatID string, createdAt time.Time) (string, error) {
	switch strategy {
	case "time-based":
		if timeFormat == "" {
			timeFormat = "2006/01"
		}
		return createdAt.UTC().Format(timeFormat), nil
	case "hash-based":
		sum := sha256.Sum256([]byte(chatID))
		hexSum := hex.EncodeToString(sum[:])
		return fmt.Sprintf("%s/%s", hexSum[:2], hexSum[2:4]), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPartitionStrategy, strategy)
	}
}
