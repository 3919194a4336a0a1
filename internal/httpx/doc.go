// Package httpx holds the HTTP plumbing shared by the provider adapters: a
// go-retryablehttp client with exponential backoff and cancellation aware
// retry policy, an attempt counter carried on the request context, an idle
// stall watchdog for streamed bodies, an optional requests-per-minute limiter
// and vendor error body parsing.
package httpx
