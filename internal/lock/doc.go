// Package lock provides named, TTL-bounded mutual exclusion across processes.
//
// A [Manager] wraps an operation in a lock taken from a [Provider]. It retries
// on contention with a fixed delay plus jitter, gives up after a bounded number
// of attempts, and always releases the lock when the operation returns or
// panics. The operation runs under a context that expires with the TTL, so a
// holder can tell when its lease may have been taken over.
//
// Providers:
//   - [Local]: in-process, for tests and single-process deployments.
//   - [Flock]: flock(2) on files in a shared directory, for processes on one
//     host. The kernel drops the lock if the holder dies.
//   - [DynamoDB]: conditional writes on a DynamoDB table.
//   - [NATS]: a JetStream key-value bucket.
package lock
