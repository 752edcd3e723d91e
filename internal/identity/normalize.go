package identity

import (
	"regexp"
	"strings"

	"go.mau.fi/whatsmeow/types"
)

// Kind is the conversation kind derived from an address.
type Kind string

const (
	Direct Kind = "direct"
	Group  Kind = "group"
)

// Brazilian mobile numbers gained a leading 9 after the area code. The gateway
// still emits the old 12-digit form for some contacts.
const (
	brCountryCode   = "55"
	brLegacyLength  = 10
	brMobilePrefix  = "9"
	brAreaCodeWidth = 2
)

var deviceSuffix = regexp.MustCompile(`:\d+@`)

// Normalize turns any identifier the gateway emits for a contact or chat into
// its canonical address. The result always ends in @s.whatsapp.net or @g.us,
// and Normalize(Normalize(x)) == Normalize(x). ok is false when raw carries no
// number or group id, in which case no address is returned.
func Normalize(raw string) (addr string, kind Kind, ok bool) {
	addr = deviceSuffix.ReplaceAllString(strings.TrimSpace(raw), "@")

	kind = Direct
	if strings.HasSuffix(addr, "@"+types.GroupServer) {
		kind = Group
	}

	// Every server part is dropped: s.whatsapp.net, g.us, c.us and lid are
	// never re-emitted as-is.
	user := strings.TrimSpace(Bare(addr))
	if user == "" {
		return "", kind, false
	}

	if kind == Group {
		return types.NewJID(user, types.GroupServer).String(), Group, true
	}
	return types.NewJID(repairBrazilianMobile(user), types.DefaultUserServer).String(), Direct, true
}

// Bare strips the server part of a canonical address, returning the number or
// group id the gateway expects in REST paths.
func Bare(addr string) string {
	if at := strings.IndexByte(addr, '@'); at >= 0 {
		return addr[:at]
	}
	return addr
}

// IsAnonymized reports whether the identifier uses the @lid routing server.
func IsAnonymized(raw string) bool {
	return strings.HasSuffix(raw, "@"+types.HiddenUserServer)
}

// IsBroadcast reports whether the identifier targets a broadcast list or the
// status feed rather than a conversation.
func IsBroadcast(raw string) bool {
	return strings.HasSuffix(raw, "@"+types.BroadcastServer)
}

// IsPhone reports whether the identifier is a phone-number direct address,
// current or legacy.
func IsPhone(raw string) bool {
	return strings.HasSuffix(raw, "@"+types.DefaultUserServer) ||
		strings.HasSuffix(raw, "@"+types.LegacyUserServer)
}

func repairBrazilianMobile(number string) string {
	rest, ok := strings.CutPrefix(number, brCountryCode)
	if !ok || len(rest) != brLegacyLength || !allDigits(rest) {
		return number
	}
	return brCountryCode + rest[:brAreaCodeWidth] + brMobilePrefix + rest[brAreaCodeWidth:]
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
