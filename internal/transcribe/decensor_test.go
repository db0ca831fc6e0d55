package transcribe

import "testing"

func TestDecensorScenario5(t *testing.T) {
	cases := map[string]string{
		"f**k":         "fuck",
		"F**k":         "Fuck",
		"sh** happens": "shit happens",
		"normal text":  "normal text",
		"a** and b**ch": "ass and bitch",
	}
	for in, want := range cases {
		if got := Decensor(in); got != want {
			t.Errorf("Decensor(%q) = %q, want %q", in, got, want)
		}
	}
}

// TestDecensorIdempotent is P7: applying the decensor map to its own output
// is a fixed point, since every replacement's output is plain text
// containing none of the asterisked patterns that trigger a replacement.
func TestDecensorIdempotent(t *testing.T) {
	inputs := []string{
		"f**k", "F**k", "sh** happens", "fuck***t", "****", "a** and b**ch",
		"this is f***ing ridiculous", "totally normal sentence",
	}
	for _, in := range inputs {
		once := Decensor(in)
		twice := Decensor(once)
		if once != twice {
			t.Errorf("Decensor not idempotent for %q: once=%q twice=%q", in, once, twice)
		}
	}
}
