// Package notifier tells operators when a deployment registration failed.
//
// Failures arrive as task.failed events from the task engine's bus. Each one
// is formatted into a short message and delivered through a Sender, today a
// Telegram bot. Sends are rate limited and repeated failures for the same
// job are suppressed for a dedup window.
//
// A disabled notifier is a no-op: Notify returns nil and nothing is sent.
package notifier
