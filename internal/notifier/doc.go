// Package notifier delivers release messages to chats.
//
// Send is synchronous: it waits for the shared token bucket, calls the
// transport adapter with a bounded timeout, and retries with jittered
// exponential backoff. Chats that blocked the bot or no longer exist are not
// retried.
//
// Every outcome is published on the event bus ("notifier.sent",
// "notifier.failed") and kept in a small in-memory history for /status.
package notifier
