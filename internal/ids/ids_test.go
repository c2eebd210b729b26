package ids

import (
	"testing"

	"github.com/google/uuid"
)

func TestNewIsMonotonic(t *testing.T) {
	prev := New()
	for i := 0; i < 100; i++ {
		next := New()
		if next <= prev {
			t.Fatalf("ids not increasing: %s then %s", prev, next)
		}
		prev = next
	}
}

func TestIncidentIsUUID(t *testing.T) {
	if _, err := uuid.Parse(Incident()); err != nil {
		t.Fatalf("incident id is not a uuid: %v", err)
	}
}
