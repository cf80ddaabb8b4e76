package channel

import "time"

// Channel is a sales channel disputes are tracked against. Every dispute,
// timeline entry and audit chain is scoped to exactly one channel.
type Channel struct {
	ID        string
	Name      string
	Platform  string
	Active    bool
	CreatedAt time.Time
}
