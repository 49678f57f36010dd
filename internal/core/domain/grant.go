package domain

import (
	"time"
)

type GrantID string
type LinkID string
type AdmissionID string

type GrantState string

const (
	GrantActive   GrantState = "active"
	GrantExpired  GrantState = "expired"
	GrantRevoked  GrantState = "revoked"
	GrantConsumed GrantState = "consumed"
)

// RetireCause records why a grant left the active state.
type RetireCause string

const (
	CauseNone     RetireCause = ""
	CauseRevoked  RetireCause = "revoked"
	CauseConsumed RetireCause = "consumed"
	CauseExpired  RetireCause = "expired"
)

// SystemIdentity is the principal used for revocations the system performs
// on its own (expiry sweeps).
const SystemIdentity UserID = "system"

type Capability string

const (
	CapabilityView   Capability = "view"
	CapabilityRecord Capability = "record"
	CapabilityPTZ    Capability = "ptz"
)

type AccessGrant struct {
	ID                   GrantID                   `json:"id"`
	GuestID              UserID                    `json:"guest_id"`
	InviteToken          string                    `json:"invite_token"`
	ShareURL             string                    `json:"share_url"`
	ExpiresAt            time.Time                 `json:"expires_at"`
	AllowedSources       []SourceID                `json:"allowed_sources"`
	CanRecord            bool                      `json:"can_record"`
	CanPTZ               bool                      `json:"can_ptz"`
	MaxConcurrentViewers int                       `json:"max_concurrent_viewers"`
	CurrentViewers       int                       `json:"current_viewers"`
	Admissions           map[AdmissionID]time.Time `json:"admissions,omitempty"`
	IsOneTime            bool                      `json:"is_one_time"`
	IsActive             bool                      `json:"is_active"`
	RevokedAt            *time.Time                `json:"revoked_at,omitempty"`
	RevokedBy            UserID                    `json:"revoked_by,omitempty"`
	RevokeReason         string                    `json:"revoke_reason,omitempty"`
	Cause                RetireCause               `json:"cause,omitempty"`
	CreatedBy            UserID                    `json:"created_by"`
	CreatedAt            time.Time                 `json:"created_at"`
	Link                 ShareLink                 `json:"link"`
}

type ShareLink struct {
	ID         LinkID     `json:"id"`
	Token      string     `json:"token"`
	SessionID  GrantID    `json:"session_id"`
	CreatedBy  UserID     `json:"created_by"`
	ExpiresAt  time.Time  `json:"expires_at"`
	IsRevoked  bool       `json:"is_revoked"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	RevokedBy  UserID     `json:"revoked_by,omitempty"`
	AccessedBy string     `json:"accessed_by,omitempty"`
	AccessedAt *time.Time `json:"accessed_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// State derives the grant's position in the ACTIVE -> {EXPIRED, REVOKED,
// CONSUMED} state machine at the given instant.
func (g *AccessGrant) State(now time.Time) GrantState {
	switch g.Cause {
	case CauseConsumed:
		return GrantConsumed
	case CauseRevoked:
		return GrantRevoked
	case CauseExpired:
		return GrantExpired
	}
	if !g.IsActive || g.Link.IsRevoked {
		return GrantRevoked
	}
	if g.IsExpired(now) {
		return GrantExpired
	}
	return GrantActive
}

func (g *AccessGrant) IsExpired(now time.Time) bool {
	return !now.Before(g.ExpiresAt)
}

func (g *AccessGrant) AllowsSource(id SourceID) bool {
	for _, s := range g.AllowedSources {
		if s == id {
			return true
		}
	}
	return false
}

func (g *AccessGrant) Allows(c Capability) bool {
	switch c {
	case CapabilityRecord:
		return g.CanRecord
	case CapabilityPTZ:
		return g.CanPTZ
	default:
		return true
	}
}

// Retire moves an active grant into a terminal state. It returns false when
// the grant already left the active state.
func (g *AccessGrant) Retire(cause RetireCause, by UserID, reason string, at time.Time) bool {
	if g.Cause != CauseNone || !g.IsActive {
		return false
	}
	t := at
	g.IsActive = false
	g.Cause = cause
	g.RevokedAt = &t
	g.RevokedBy = by
	g.RevokeReason = reason
	g.Link.IsRevoked = true
	g.Link.RevokedAt = &t
	g.Link.RevokedBy = by
	return true
}

func (g *AccessGrant) Clone() *AccessGrant {
	c := *g
	c.AllowedSources = append([]SourceID(nil), g.AllowedSources...)
	if g.Admissions != nil {
		c.Admissions = make(map[AdmissionID]time.Time, len(g.Admissions))
		for k, v := range g.Admissions {
			c.Admissions[k] = v
		}
	}
	return &c
}

type GrantOptions struct {
	Duration             time.Duration
	AllowedSources       []SourceID
	CanRecord            bool
	CanPTZ               bool
	MaxConcurrentViewers int
	IsOneTime            bool
}

type AccessInfo struct {
	IP        string
	UserAgent string
}

// Admission is the receipt of a successful admit; it is handed back on
// release so each admission frees its slot at most once.
type Admission struct {
	ID        AdmissionID `json:"id"`
	GrantID   GrantID     `json:"grant_id"`
	Token     string      `json:"-"`
	GuestID   UserID      `json:"guest_id"`
	SourceID  SourceID    `json:"source_id"`
	CanRecord bool        `json:"can_record"`
	CanPTZ    bool        `json:"can_ptz"`
	ExpiresAt time.Time   `json:"expires_at"`
}

type GrantRevokedEvent struct {
	GrantID   GrantID     `json:"grant_id"`
	Cause     RetireCause `json:"cause"`
	RevokedBy UserID      `json:"revoked_by"`
	Reason    string      `json:"reason,omitempty"`
	At        time.Time   `json:"at"`
}

type LinkView struct {
	Grant     *AccessGrant `json:"grant"`
	IsExpired bool         `json:"is_expired"`
	IsActive  bool         `json:"is_active"`
	State     GrantState   `json:"state"`
}

type GrantStats struct {
	Total          int `json:"total"`
	Active         int `json:"active"`
	Expired        int `json:"expired"`
	Revoked        int `json:"revoked"`
	Consumed       int `json:"consumed"`
	CurrentViewers int `json:"current_viewers"`
}
