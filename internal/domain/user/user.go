package user

import "time"

// User is a staff member allowed into the dashboard.
type User struct {
	ID           string
	Username     string
	PasswordHash []byte
	CreatedAt    time.Time
}
