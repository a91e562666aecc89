package rod

import "testing"

func TestCanonicalizeKeyCombo(t *testing.T) {
	cases := []struct {
		combo   string
		wantLen int
		wantErr bool
	}{
		{"Enter", 1, false},
		{"return", 1, false},
		{"ctrl+a", 2, false},
		{"Ctrl+Shift+A", 3, false},
		{"Cmd+C", 2, false},
		{"ArrowUp", 1, false},
		{"up", 1, false},
		{"", 0, true},
		{"not-a-real-key", 0, true},
	}
	for _, c := range cases {
		keys, err := canonicalizeKeyCombo(c.combo)
		if c.wantErr {
			if err == nil {
				t.Errorf("combo %q: expected error", c.combo)
			}
			continue
		}
		if err != nil {
			t.Fatalf("combo %q: unexpected error: %v", c.combo, err)
		}
		if len(keys) != c.wantLen {
			t.Errorf("combo %q: got %d keys, want %d", c.combo, len(keys), c.wantLen)
		}
	}
}

func TestCanonicalizeKeyCombo_modifierAliasesResolveToSameKey(t *testing.T) {
	cmdKeys, err := canonicalizeKeyCombo("cmd+c")
	if err != nil {
		t.Fatalf("cmd+c: %v", err)
	}
	metaKeys, err := canonicalizeKeyCombo("meta+c")
	if err != nil {
		t.Fatalf("meta+c: %v", err)
	}
	if cmdKeys[0] != metaKeys[0] {
		t.Errorf("cmd and meta modifiers should canonicalize identically: %v != %v", cmdKeys[0], metaKeys[0])
	}
}
