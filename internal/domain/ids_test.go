package domain

import "testing"

func TestValidateAgentID(t *testing.T) {
	for _, id := range []string{"ceo", "dev-2", "team.lead_1", "A"} {
		if err := ValidateAgentID(id); err != nil {
			t.Fatalf("%q should be valid: %v", id, err)
		}
	}
	for _, id := range []string{"", ".", "..", "../x", "../../../victim", "a/b", `a\b`, "-dash", ".hidden", "with space"} {
		if err := ValidateAgentID(id); err == nil {
			t.Fatalf("%q should be rejected", id)
		}
	}
}
