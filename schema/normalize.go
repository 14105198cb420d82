package schema

import "strings"

// ValidateUserID ensures a user id matches [a-z0-9._-] with no normalization.
func ValidateUserID(userID UserID) error {
	raw := string(userID)
	if raw == "" {
		return ErrInvalidUser
	}
	if strings.TrimSpace(raw) != raw {
		return ErrInvalidUser
	}
	for _, r := range raw {
		if r >= 'a' && r <= 'z' {
			continue
		}
		if r >= '0' && r <= '9' {
			continue
		}
		if r == '.' || r == '_' || r == '-' {
			continue
		}
		return ErrInvalidUser
	}
	return nil
}

// NormalizePresentationType lower-cases and validates a presentation tag.
// Allowed characters: a-z, 0-9, '-', '_'. Empty input returns the fallback.
func NormalizePresentationType(value string, fallback PresentationType) (PresentationType, error) {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return fallback, nil
	}
	for _, r := range trimmed {
		if r == '-' || r == '_' {
			continue
		}
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			continue
		}
		return "", NewFieldError("presentation_type", "Unsupported presentation type %q", value)
	}
	return PresentationType(trimmed), nil
}

// NormalizeStartPath cleans a start path relative to the backend root.
func NormalizeStartPath(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", nil
	}
	trimmed = strings.TrimLeft(trimmed, "/")
	for _, part := range strings.Split(trimmed, "/") {
		if part == ".." {
			return "", NewFieldError("start_path", "Start path must stay inside the source")
		}
	}
	return trimmed, nil
}
