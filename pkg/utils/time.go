package utils

import "time"

// NowUTC returns the current time as an ISO-8601 UTC string, the canonical
// timestamp format across the node's persisted state.
func NowUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}
