package identity

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantAddr string
		wantKind Kind
	}{
		{"canonical direct", "5541998773200@s.whatsapp.net", "5541998773200@s.whatsapp.net", Direct},
		{"bare number", "5541998773200", "5541998773200@s.whatsapp.net", Direct},
		{"device suffix", "5541998773200:98@s.whatsapp.net", "5541998773200@s.whatsapp.net", Direct},
		{"legacy server", "5541998773200@c.us", "5541998773200@s.whatsapp.net", Direct},
		{"legacy with device", "5541998773200:4@c.us", "5541998773200@s.whatsapp.net", Direct},
		{"lid falls back to id", "79512746377469@lid", "79512746377469@s.whatsapp.net", Direct},
		{"br missing ninth digit", "554198773200@s.whatsapp.net", "5541998773200@s.whatsapp.net", Direct},
		{"br bare missing ninth digit", "554198773200", "5541998773200@s.whatsapp.net", Direct},
		{"br device and missing digit", "554198773200:12@s.whatsapp.net", "5541998773200@s.whatsapp.net", Direct},
		{"br already eleven digits", "5511987654321@s.whatsapp.net", "5511987654321@s.whatsapp.net", Direct},
		{"non br twelve digits", "441234567890@s.whatsapp.net", "441234567890@s.whatsapp.net", Direct},
		{"group", "120363025246125486@g.us", "120363025246125486@g.us", Group},
		{"legacy group id", "554198773200-1593456789@g.us", "554198773200-1593456789@g.us", Group},
		{"br-looking group id untouched", "554198773200@g.us", "554198773200@g.us", Group},
		{"surrounding space", " 5541998773200@s.whatsapp.net ", "5541998773200@s.whatsapp.net", Direct},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, kind, ok := Normalize(tt.input)
			if !ok {
				t.Fatalf("Normalize(%q) reported no address", tt.input)
			}
			if addr != tt.wantAddr {
				t.Errorf("Normalize(%q) addr = %q, want %q", tt.input, addr, tt.wantAddr)
			}
			if kind != tt.wantKind {
				t.Errorf("Normalize(%q) kind = %s, want %s", tt.input, kind, tt.wantKind)
			}
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"554198773200",
		"5541998773200:4@c.us",
		"79512746377469@lid",
		"120363025246125486@g.us",
		"441234567890:3@s.whatsapp.net",
	}
	for _, in := range inputs {
		once, kind1, ok1 := Normalize(in)
		twice, kind2, ok2 := Normalize(once)
		if !ok1 || !ok2 || once != twice || kind1 != kind2 {
			t.Errorf("Normalize not idempotent for %q: %q (%s) -> %q (%s)", in, once, kind1, twice, kind2)
		}
	}
}

func TestNormalizeEmptyUser(t *testing.T) {
	for _, in := range []string{"", "   ", "@s.whatsapp.net", ":1@lid", "@g.us", " @c.us"} {
		addr, _, ok := Normalize(in)
		if ok || addr != "" {
			t.Errorf("Normalize(%q) = %q, %v; want no address", in, addr, ok)
		}
	}
}

// The two shapes below were observed for the same contact and used to
// produce two conversations.
func TestNormalizeEquivalentForms(t *testing.T) {
	a, _, _ := Normalize("554198773200")
	b, _, _ := Normalize("5541998773200:4@c.us")
	if a != b {
		t.Fatalf("expected same canonical address, got %q and %q", a, b)
	}
}

func TestBare(t *testing.T) {
	if got := Bare("5541998773200@s.whatsapp.net"); got != "5541998773200" {
		t.Errorf("Bare() = %q", got)
	}
	if got := Bare("5541998773200"); got != "5541998773200" {
		t.Errorf("Bare() without server = %q", got)
	}
}

func TestAddressPredicates(t *testing.T) {
	if !IsAnonymized("123@lid") || IsAnonymized("123@s.whatsapp.net") {
		t.Error("IsAnonymized mismatch")
	}
	if !IsPhone("123@s.whatsapp.net") || !IsPhone("123@c.us") || IsPhone("123@lid") {
		t.Error("IsPhone mismatch")
	}
	if !IsBroadcast("status@broadcast") || IsBroadcast("123@g.us") {
		t.Error("IsBroadcast mismatch")
	}
}
