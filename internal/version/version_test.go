package version

import (
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	Version, Commit, BuildDate = "1.2.3", "abc123", "2024-05-08"
	t.Cleanup(func() { Version, Commit, BuildDate = "dev", "unknown", "unknown" })

	got := String()
	for _, want := range []string{"1.2.3", "abc123", "2024-05-08"} {
		if !strings.Contains(got, want) {
			t.Fatalf("String() = %q, missing %q", got, want)
		}
	}
}
