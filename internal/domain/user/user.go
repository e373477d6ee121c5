package user

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNotFound = errors.New("user not found")

type User struct {
	ID        string    `json:"id"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	Timezone  string    `json:"timezone"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (u User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Validate rejects records that would later break scheduling. The timezone
// must be a loadable IANA name; fixed offsets like "UTC+2" are not accepted.
func (u User) Validate() error {
	if u.ID == "" {
		return errors.New("user id is required")
	}
	if u.FirstName == "" {
		return errors.New("first name is required")
	}
	if u.Timezone == "" {
		return errors.New("timezone is required")
	}
	if _, err := time.LoadLocation(u.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", u.Timezone, err)
	}
	return nil
}
