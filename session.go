package auth

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionInfo is the caller facing view of an open session.
type SessionInfo struct {
	ID         uuid.UUID  `json:"id"`
	DeviceInfo string     `json:"device_info,omitempty"`
	IPAddress  string     `json:"ip_address,omitempty"`
	UserAgent  string     `json:"user_agent,omitempty"`
	Browser    string     `json:"browser"`
	OS         string     `json:"os"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Current    bool       `json:"current"`
}

// NewSessionInfo maps a stored session. current is the session id the
// caller's access token was minted with.
func NewSessionInfo(token *RefreshToken, current uuid.UUID) SessionInfo {
	return SessionInfo{
		ID:         token.ID,
		DeviceInfo: token.DeviceInfo,
		IPAddress:  token.IPAddress,
		UserAgent:  token.UserAgent,
		Browser:    ParseBrowser(token.UserAgent),
		OS:         ParseOS(token.UserAgent),
		CreatedAt:  token.CreatedAt,
		LastUsedAt: token.LastUsedAt,
		ExpiresAt:  token.ExpiresAt,
		Current:    current != uuid.Nil && token.ID == current,
	}
}

// ParseBrowser extracts a coarse browser family from a user agent.
func ParseBrowser(userAgent string) string {
	ua := userAgent
	switch {
	case strings.Contains(ua, "Edg"):
		return "Edge"
	case strings.Contains(ua, "OPR") || strings.Contains(ua, "Opera"):
		return "Opera"
	case strings.Contains(ua, "Firefox"):
		return "Firefox"
	case strings.Contains(ua, "Chrome"):
		return "Chrome"
	case strings.Contains(ua, "Safari"):
		return "Safari"
	default:
		return "Unknown"
	}
}

// ParseOS extracts a coarse operating system family from a user agent.
func ParseOS(userAgent string) string {
	ua := userAgent
	switch {
	case strings.Contains(ua, "Windows"):
		return "Windows"
	case strings.Contains(ua, "iPhone") || strings.Contains(ua, "iPad") || strings.Contains(ua, "iOS"):
		return "iOS"
	case strings.Contains(ua, "Mac"):
		return "macOS"
	case strings.Contains(ua, "Android"):
		return "Android"
	case strings.Contains(ua, "Linux"):
		return "Linux"
	default:
		return "Unknown"
	}
}
