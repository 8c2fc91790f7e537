package sync

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/matheus3301/farmchat/internal/chat"
)

var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrMessageTooLong = fmt.Errorf("message exceeds %d characters", chat.MaxTextLength)
)

// outgoing is validated before anything is appended; max counts runes.
type outgoing struct {
	Text string `validate:"required,max=2000"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateText trims surrounding whitespace and checks the trimmed text
// is non-empty and within the length limit.
func ValidateText(text string) (string, error) {
	text = strings.TrimSpace(text)
	err := validate.Struct(outgoing{Text: text})
	if err == nil {
		return text, nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		switch verrs[0].Tag() {
		case "required":
			return "", ErrEmptyMessage
		case "max":
			return "", ErrMessageTooLong
		}
	}
	return "", fmt.Errorf("validate message: %w", err)
}
