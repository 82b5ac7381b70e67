package models

import "time"

// Session binds an address to the connection it is currently reachable on.
// ConnRef is a lookup key into the transport's connection registry, never the
// connection itself.
type Session struct {
	Address  string
	ConnRef  string
	LastSeen time.Time
}

// Message is a queued point-to-point message. It is never mutated after
// creation, only deleted once its receiver acknowledges delivery.
// Content is nil when the sender sent null or no content at all.
type Message struct {
	ID        string  `json:"id"`
	ChatID    string  `json:"chatId"`
	Content   *string `json:"content"`
	Sender    string  `json:"sender"`
	Receiver  string  `json:"receiver"`
	Timestamp string  `json:"timestamp"`
}

// Text returns a pointer to s for use as Message.Content.
func Text(s string) *string {
	return &s
}

// Stats is a point-in-time view of the relay used by the control socket and
// the HTTP stats endpoint.
type Stats struct {
	Connections int      `json:"connections"`
	Addresses   []string `json:"addresses"`
}
