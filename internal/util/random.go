// Package util provides small helpers shared across mailrun components.
package util

import (
	"math/rand"
	"strings"
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Uses math/rand/v2; these IDs are identifiers, not secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.Intn(16)])
	}

	return builder.String()
}

// GenerateEnrollmentID generates a unique enrollment ID with "enr_" prefix.
func GenerateEnrollmentID() string {
	return GenerateRandomID("enr_", 32)
}

// GenerateMessageID generates a unique message ID with "msg_" prefix.
func GenerateMessageID() string {
	return GenerateRandomID("msg_", 32)
}

// GenerateEventID generates a unique reply event ID with "evt_" prefix.
func GenerateEventID() string {
	return GenerateRandomID("evt_", 32)
}
