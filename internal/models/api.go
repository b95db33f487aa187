package models

import "time"

// Notification is a single outbound message to a user or the admin channel.
type Notification struct {
	Recipient string    `json:"recipient"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// AdminRecipient addresses the admin notification channel rather than a user.
const AdminRecipient = "admin"

// SeedResult summarizes a pool-seeding batch.
type SeedResult struct {
	Inserted int `json:"inserted"`
	Skipped  int `json:"skipped"`
}
