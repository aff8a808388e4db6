package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// PeerIDRegex validates peer id format. UUIDs and short human-chosen
// ids both pass.
var PeerIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidatePeerID validates a peer id.
func ValidatePeerID(peerID string) error {
	if peerID == "" {
		return fmt.Errorf("peer ID is required")
	}
	if len(peerID) > 100 {
		return fmt.Errorf("peer ID is too long (max 100 characters)")
	}
	if !PeerIDRegex.MatchString(peerID) {
		return fmt.Errorf("invalid peer ID format")
	}
	return nil
}

// ValidateDisplayName validates a user-facing display name.
func ValidateDisplayName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("display name is required")
	}
	if utf8.RuneCountInString(name) > 50 {
		return fmt.Errorf("display name is too long (max 50 characters)")
	}
	return nil
}

// ValidateNonEmptyString validates that a string field is present.
func ValidateNonEmptyString(s, fieldName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}
