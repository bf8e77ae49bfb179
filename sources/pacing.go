package sources

import (
	"golang.org/x/time/rate"
)

// backfillRateLimit bounds how often the historical-query loops issue a new
// page request, so a deep backfill against a rate-limited RPC provider
// does not immediately trip its own throttling (and, in turn, look like a
// query-too-large error to the pagination ratchet).
const backfillRateLimit = 10 // requests/second

func newBackfillLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(backfillRateLimit), 1)
}
