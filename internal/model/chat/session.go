package chat

import "time"

// AnonymousName is used until the visitor tells us who they are.
const AnonymousName = "Anonymous User"

// Session captures one anonymous visitor's chat identity across reloads.
type Session struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	IsOnline  bool      `json:"isOnline"`
	LastSeen  time.Time `json:"lastSeen"`
	CreatedAt time.Time `json:"createdAt"`
}
