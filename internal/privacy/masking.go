package privacy

import (
	"strings"

	"chatcore/internal/constants"
)

// MaskUserID masks a user id showing only the last few characters.
// Example: "user-8f3a9c21" -> "********9c21"
func MaskUserID(userID string) string {
	return maskTail(userID, constants.DefaultIDMaskLength)
}

// MaskMessageID masks a message id while keeping a recognizable tail for
// log correlation. Pending ids keep their prefix so the two id spaces stay
// distinguishable in logs.
// Example: "pending:c81d-44af" -> "pending:****44af"
func MaskMessageID(messageID string) string {
	if messageID == "" {
		return ""
	}
	if idx := strings.Index(messageID, ":"); idx >= 0 {
		return messageID[:idx+1] + maskTail(messageID[idx+1:], constants.DefaultIDMaskLength)
	}
	return maskTail(messageID, constants.DefaultIDMaskLength)
}

// MaskRoomID masks a room id the same way as user ids.
func MaskRoomID(roomID string) string {
	return maskTail(roomID, constants.DefaultIDMaskLength)
}

func maskTail(s string, visible int) string {
	if s == "" {
		return ""
	}
	if len(s) <= visible {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-visible) + s[len(s)-visible:]
}
