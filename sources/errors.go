package sources

import (
	"strings"
	"time"
)

// reconnectDelay is the fixed sleep between reconnect attempts (§4.B/4.C):
// "sleeps one second, and re-establishes the websocket with zero backoff
// attempts on the client itself".
const reconnectDelay = 1 * time.Second

// queryTooLargePhrases are the substrings RPC providers are known to use
// when a get_logs range exceeds their result-size limit. Matched
// case-insensitively against the error string, mirroring the original's
// rpc_query_too_large classifier.
var queryTooLargePhrases = []string{
	"query returned more than",
	"result size exceeded",
	"query exceeds limit",
	"too many results",
	"query timeout exceeded",
	"block range is too wide",
}

// isQueryTooLargeError reports whether err looks like a provider rejecting
// a historical range query as too large (§4.C "adaptive pagination").
func isQueryTooLargeError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range queryTooLargePhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}
