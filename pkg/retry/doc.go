// Package retry runs operations with exponential backoff.
//
// Transports use it for publishes and fetches that fail while a NATS
// connection is reconnecting:
//
//	err := retry.Do(ctx, retry.Transport(), func() error {
//	    _, err := js.Publish(ctx, subject, data)
//	    return err
//	})
//
// Wrap an error with NonRetryable to stop immediately. Backoff waits respect
// context cancellation.
package retry
