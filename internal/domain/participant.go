// Package domain contains entity without logic, just meta-data
package domain

import "errors"

const (
	MaxUsernameLen = 36

	StatusOnline = "online"
	StatusAway   = "away"
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
)

// Participant is one roster entry, keyed by display name.
type Participant struct {
	Status      string `json:"status"`
	JoinedAt    string `json:"joined_at"`
	VideoActive bool   `json:"video_active"`
}

func ValidUsername(name string) error {
	if len(name) == 0 {
		return ErrUsernameEmpty
	}
	if len(name) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	return nil
}
