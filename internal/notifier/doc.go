// Package notifier delivers watch messages to subscribers asynchronously.
//
// Notify only enqueues. A small pool of supervised workers drains the queue,
// waits on a token-bucket limiter, and calls the Sender with bounded retry and
// jittered backoff. An optional dedup window suppresses identical messages to
// the same subscriber.
//
// Delivery outcomes are logged, counted in metrics and published on the event
// bus. Callers never retry.
package notifier
