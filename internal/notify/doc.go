// Package notify delivers operator messages without ever blocking the
// harvest loop. A Hub queues messages and fans them out to sinks (log,
// Telegram, Pub/Sub) on a background goroutine. The package also provides
// the operator gates the retry controller blocks on after a challenge
// escalation.
package notify
