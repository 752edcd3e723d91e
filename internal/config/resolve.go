package config

import (
	"fmt"
	"os"
	"regexp"
)

var accountIDRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateAccountID checks that id conforms to account naming rules. Account
// ids appear in URLs and NATS subjects.
func ValidateAccountID(id string) error {
	if !accountIDRegexp.MatchString(id) {
		return fmt.Errorf("invalid account id %q: must match ^[a-z0-9_-]{1,64}$", id)
	}
	return nil
}

// ResolvePath determines the config file path using precedence:
// 1. flagOverride (--config flag)
// 2. RELAY_CONFIG
// 3. DefaultPath()
func ResolvePath(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if v, ok := os.LookupEnv("RELAY_CONFIG"); ok && v != "" {
		return v
	}
	return DefaultPath()
}
