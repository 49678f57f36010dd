package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	// SourceIDRegex validates camera source IDs such as "cam-1".
	SourceIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// TokenRegex matches invite tokens: 32 random bytes, hex encoded.
	TokenRegex = regexp.MustCompile(`^[0-9a-f]{64}$`)

	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

const MaxViewersLimit = 100

func ValidateUsername(username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return fmt.Errorf("username is required")
	}
	if len(username) < 3 {
		return fmt.Errorf("username must be at least 3 characters")
	}
	if len(username) > 50 {
		return fmt.Errorf("username is too long (max 50 characters)")
	}
	if !usernameRegex.MatchString(username) {
		return fmt.Errorf("username contains invalid characters (only letters, numbers, _, - allowed)")
	}
	return nil
}

func ValidatePassword(password string) error {
	if password == "" {
		return fmt.Errorf("password is required")
	}
	if len(password) > 72 {
		return fmt.Errorf("password is too long (max 72 bytes)")
	}
	return nil
}

func ValidateSourceID(sourceID string) error {
	if sourceID == "" {
		return fmt.Errorf("source ID is required")
	}
	if len(sourceID) > 100 {
		return fmt.Errorf("source ID is too long (max 100 characters)")
	}
	if !SourceIDRegex.MatchString(sourceID) {
		return fmt.Errorf("invalid source ID format")
	}
	return nil
}

// ValidateToken checks the shape of an invite token without looking it up.
func ValidateToken(token string) error {
	if token == "" {
		return fmt.Errorf("token is required")
	}
	if !TokenRegex.MatchString(token) {
		return fmt.Errorf("invalid token format")
	}
	return nil
}

func ValidateGrantDuration(d, max time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("duration must be positive")
	}
	if max > 0 && d > max {
		return fmt.Errorf("duration is too long (max %s)", max)
	}
	return nil
}

func ValidateMaxViewers(n int) error {
	if n < 1 {
		return fmt.Errorf("max concurrent viewers must be at least 1")
	}
	if n > MaxViewersLimit {
		return fmt.Errorf("max concurrent viewers is too high (max %d)", MaxViewersLimit)
	}
	return nil
}

func ValidateQuality(quality string) error {
	switch quality {
	case "low", "medium", "high":
		return nil
	}
	return fmt.Errorf("invalid quality level (must be low, medium, or high)")
}

// ValidateURL validates an absolute http(s) URL used as the share link base.
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid URL scheme (must be http or https)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

func ValidateChatMessage(content string, maxLen int) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("message is required")
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("message contains invalid characters")
	}
	if utf8.RuneCountInString(content) > maxLen {
		return fmt.Errorf("message is too long (max %d characters)", maxLen)
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}

// ParseGrantDuration accepts Go durations ("90m", "2h30m") and whole days
// ("7d").
func ParseGrantDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("duration is required")
	}
	if strings.HasSuffix(s, "d") {
		var days int
		if _, err := fmt.Sscanf(s, "%dd", &days); err != nil || days <= 0 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}
