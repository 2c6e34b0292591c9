package runtime

import (
	"strings"
	"testing"
)

func TestSanitizedNames(t *testing.T) {
	tests := []struct {
		name   string
		userID string
	}{
		{"plain id", "alice"},
		{"email id", "alice@example.com"},
		{"uppercase and symbols", "User_42!With#Weird//Chars"},
		{"unicode", "ユーザー123"},
		{"all symbols", "@@@!!!"},
		{"very long id", strings.Repeat("user-with-an-extremely-long-identifier", 5)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, got := range []string{VolumeName(tt.userID), SandboxName(tt.userID)} {
				if len(got) > 64 {
					t.Errorf("name %q exceeds 64 chars (%d)", got, len(got))
				}
				if got != strings.ToLower(got) {
					t.Errorf("name %q is not lowercase", got)
				}
				for _, r := range got {
					if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-') {
						t.Errorf("name %q contains invalid rune %q", got, r)
					}
				}
				if strings.Contains(got, "--") {
					t.Errorf("name %q contains consecutive dashes", got)
				}
			}
		})
	}
}

func TestNamesAreStableAndDistinct(t *testing.T) {
	if VolumeName("alice") != VolumeName("alice") {
		t.Error("VolumeName is not deterministic")
	}
	if VolumeName("alice") == VolumeName("bob") {
		t.Error("distinct users mapped to the same volume name")
	}
	// Slugs collide, hashes must not.
	if SandboxName("a.b") == SandboxName("a-b") {
		t.Error("ids with colliding slugs mapped to the same sandbox name")
	}
	if !strings.HasPrefix(VolumeName("alice"), "monios-user-") {
		t.Errorf("unexpected volume prefix: %s", VolumeName("alice"))
	}
	if !strings.HasPrefix(SandboxName("alice"), "monios-sb-") {
		t.Errorf("unexpected sandbox prefix: %s", SandboxName("alice"))
	}
}
