package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role distinguishes the two kinds of participants on the signaling network.
type Role int

const (
	RoleStudent Role = iota
	RoleAdmin
)

func (r Role) String() string {
	if r == RoleAdmin {
		return "admin"
	}
	return "student"
}

// IdentityPolicy decides what identity each role registers. The admin identity
// is a single well-known name shared by every dashboard instance; a second
// concurrent dashboard is a detectable conflict, not an accident. Student
// identities are fresh per session and never reused across restarts.
type IdentityPolicy struct {
	AdminIdentity string
	StudentPrefix string
}

// DefaultIdentityPolicy mirrors the deployed naming convention.
func DefaultIdentityPolicy() IdentityPolicy {
	return IdentityPolicy{
		AdminIdentity: "admin-dashboard",
		StudentPrefix: "student",
	}
}

// NewStudentIdentity generates a fresh student identity combining the role
// prefix, a millisecond timestamp and random entropy.
func (p IdentityPolicy) NewStudentIdentity() string {
	entropy := uuid.NewString()[:8]
	return fmt.Sprintf("%s-%d-%s", p.StudentPrefix, time.Now().UnixMilli(), entropy)
}
