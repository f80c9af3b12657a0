package session

import (
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestNewStudentIdentity_Shape(t *testing.T) {
	p := DefaultIdentityPolicy()
	id := p.NewStudentIdentity()

	parts := strings.Split(id, "-")
	if len(parts) != 3 {
		t.Fatalf("identity %q has %d parts, want prefix-timestamp-entropy", id, len(parts))
	}
	if parts[0] != "student" {
		t.Errorf("prefix = %q, want %q", parts[0], "student")
	}
	ms, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		t.Fatalf("timestamp part %q is not numeric: %v", parts[1], err)
	}
	if delta := time.Now().UnixMilli() - ms; delta < 0 || delta > int64(time.Minute/time.Millisecond) {
		t.Errorf("timestamp %d is not recent (delta %dms)", ms, delta)
	}
	if len(parts[2]) != 8 {
		t.Errorf("entropy part %q has length %d, want 8", parts[2], len(parts[2]))
	}
}

func TestNewStudentIdentity_Unique(t *testing.T) {
	p := DefaultIdentityPolicy()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := p.NewStudentIdentity()
		if seen[id] {
			t.Fatalf("identity %q generated twice", id)
		}
		seen[id] = true
	}
}
