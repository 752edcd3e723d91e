package config

import "testing"

func TestValidateAccountID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid simple", "main", false},
		{"valid with numbers", "work123", false},
		{"valid with hyphen", "my-account", false},
		{"valid with underscore", "my_account", false},
		{"valid single char", "a", false},
		{"valid max length", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", false},
		{"empty", "", true},
		{"uppercase", "Main", true},
		{"space", "my account", true},
		{"dot", "my.account", true},
		{"too long", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", true},
		{"special chars", "my@account", true},
		{"slash", "my/account", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAccountID(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAccountID(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv("RELAY_CONFIG", "/etc/relay/env.toml")
	if got := ResolvePath("/tmp/flag.toml"); got != "/tmp/flag.toml" {
		t.Errorf("flag override = %q", got)
	}
	if got := ResolvePath(""); got != "/etc/relay/env.toml" {
		t.Errorf("env override = %q", got)
	}
	t.Setenv("RELAY_CONFIG", "")
	if got := ResolvePath(""); got != DefaultPath() {
		t.Errorf("default = %q, want %q", got, DefaultPath())
	}
}
