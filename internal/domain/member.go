package domain

import "time"

// Member is one running keeper replica.
type Member struct {
	NodeID    string    `json:"node_id"`
	Account   string    `json:"account"`
	Network   string    `json:"network"`
	StartedAt time.Time `json:"started_at"`
}
