// Package gen derives task and request identifiers.
package gen

import (
	"strconv"

	"github.com/google/uuid"
)

// RangeKey encodes an inclusive chunk range as "start-end".
func RangeKey(start, end int) string {
	return strconv.Itoa(start) + "-" + strconv.Itoa(end)
}

// TaskID is a UUIDv5 of the manifest URL and the selected range, so the
// same request always maps to the same task.
func TaskID(manifestURL string, start, end int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(manifestURL+"#"+RangeKey(start, end))).String()
}

// RequestID returns a random id for correlating HTTP requests.
func RequestID() string {
	return uuid.NewString()
}
