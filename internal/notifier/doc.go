// Package notifier reports job outcomes to an operator chat.
//
// The service listens for job.finished and job.failed events and sends a
// one-line summary through a Sender (Telegram in production). Sends are rate
// limited and retried with backoff; delivery failures are logged and never
// reach the job pipeline.
//
// A short in-memory history of sends is kept for the status endpoint.
package notifier
