package util

import (
	"math/rand"
	"strings"
)

// GenerateRandomID generates a random ID in the format "{prefix}{hex}".
// Uses math/rand/v2; not for cryptographic purposes.
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the given length.
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

// GenerateMessageID generates an inbound message ID with "msg_" prefix,
// used when a channel adapter does not supply its own.
func GenerateMessageID() string {
	return GenerateRandomID("msg_", 16)
}
