package rewrite

import "regexp"

// addressPattern recognizes most RFC 5322 addresses: a dot-atom or quoted
// local part, then a hostname or bracketed IPv4 / tagged literal. It is
// anchored at the start only, so trailing text after a valid address is
// ignored. \x60 is the backtick.
var addressPattern = regexp.MustCompile(`^(?i)` +
	`(?:[a-z0-9!#$%&'*+/=?^_\x60{|}~-]+(?:\.[a-z0-9!#$%&'*+/=?^_\x60{|}~-]+)*` +
	`|"(?:[\x01-\x08\x0b\x0c\x0e-\x1f\x21\x23-\x5b\x5d-\x7f]|\\[\x01-\x09\x0b\x0c\x0e-\x7f])*")` +
	`@` +
	`(?:(?:[a-z0-9](?:[a-z0-9-]*[a-z0-9])?\.)+[a-z0-9](?:[a-z0-9-]*[a-z0-9])?` +
	`|\[(?:(?:25[0-5]|2[0-4][0-9]|1[0-9][0-9]|[1-9]?[0-9])\.){3}` +
	`(?:25[0-5]|2[0-4][0-9]|1[0-9][0-9]|[1-9]?[0-9]` +
	`|[a-z0-9-]*[a-z0-9]:(?:[\x01-\x08\x0b\x0c\x0e-\x1f\x21-\x5a\x53-\x7f]|\\[\x01-\x09\x0b\x0c\x0e-\x7f])+)\])`)

// ValidateAddress reports whether value starts with an email address and
// returns the matched address.
func ValidateAddress(value string) (string, bool) {
	addr := addressPattern.FindString(value)
	return addr, addr != ""
}
