package domain

import "time"

// Executor is one running engine process. LastActive is its heartbeat.
type Executor struct {
	ID         int64     `db:"id" json:"id"`
	Name       string    `db:"name" json:"name"`
	Started    time.Time `db:"started" json:"started"`
	LastActive time.Time `db:"last_active" json:"lastActive"`
}
