// Package webhook delivers signed job notifications to caller-registered URLs.
//
// Destinations are checked twice: when a caller registers a URL and again
// immediately before every delivery attempt. The second check resolves the
// hostname afresh and the HTTP client dials only the address that check
// approved, so a DNS answer that changes after registration cannot steer a
// delivery at loopback, private, link-local or cloud metadata addresses.
//
// Delivery is decoupled from the request path: the job registry hands the
// Dispatcher an immutable job snapshot, the Dispatcher queues it, and a
// fixed worker pool performs the HTTP calls. Failed attempts are retried
// with capped exponential backoff up to a fixed ceiling and then recorded.
// Nothing here ever changes a job's own status.
//
// Receivers verify the X-OCRGate-Signature header with Verify:
//
//	sig := "sha256=" + hex(HMAC-SHA256(secret, timestamp + "." + body))
package webhook
