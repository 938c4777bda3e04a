package chat

import (
	"errors"
	"strings"
	"unicode/utf8"
)

var (
	// ErrEmptyMessage is returned for a message that is blank after trimming.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrMessageTooLong is returned for a message over the configured rune limit.
	ErrMessageTooLong = errors.New("message is too long")
)

// NormalizeMessage trims text and checks it against maxRunes. maxRunes <= 0 disables the cap.
func NormalizeMessage(text string, maxRunes int) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}
	if maxRunes > 0 && utf8.RuneCountInString(text) > maxRunes {
		return "", ErrMessageTooLong
	}
	return text, nil
}
