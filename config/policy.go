package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Policy holds the tunable precondition constants consumed by guards and
// transition services. Thresholds are deployment policy, not structure, so
// they live in a TOML file rather than in code branches.
type Policy struct {
	SessionFreshness    duration `toml:"SessionFreshness"`
	OTPFreshness        duration `toml:"OTPFreshness"`
	InviteTTL           duration `toml:"InviteTTL"`
	ScanTimeout         duration `toml:"ScanTimeout"`
	IdempotencyLookback duration `toml:"IdempotencyLookback"`

	ForbiddenCancelStates []string `toml:"ForbiddenCancelStates"`

	MaxSwapAttempts    int   `toml:"MaxSwapAttempts"`
	MaxContainerBytes  int64 `toml:"MaxContainerBytes"`
	NotifyMaxAttempts  int   `toml:"NotifyMaxAttempts"`
	BlockedMimePrefix  []string `toml:"BlockedMimePrefix"`
	RateLimitsPerHour  map[string]int `toml:"RateLimitsPerHour"`
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// DefaultPolicy returns the shipped policy constants.
func DefaultPolicy() Policy {
	return Policy{
		SessionFreshness:    duration{5 * time.Minute},
		OTPFreshness:        duration{10 * time.Minute},
		InviteTTL:           duration{96 * time.Hour},
		ScanTimeout:         duration{24 * time.Hour},
		IdempotencyLookback: duration{5 * time.Minute},
		ForbiddenCancelStates: []string{
			"SWAPPED", "FAILED", "UNDER_VALIDATION", "SWAP_READY", "EXPIRED",
		},
		MaxSwapAttempts:   3,
		MaxContainerBytes: 100 * 1024 * 1024,
		NotifyMaxAttempts: 3,
		BlockedMimePrefix: []string{
			"application/x-executable",
			"application/x-msdownload",
			"application/x-sh",
			"text/x-shellscript",
		},
		RateLimitsPerHour: map[string]int{
			"room_invite":        5,
			"room_join":          10,
			"room_lock":          5,
			"room_cancel":        5,
			"artifact_upload":    20,
			"container_seal":     10,
			"container_approve":  20,
			"container_reject":   20,
			"room_swap_approval": 20,
		},
	}
}

// LoadPolicy reads the policy file, overlaying defaults. An empty path returns
// the defaults unchanged.
func LoadPolicy(path string) (Policy, error) {
	policy := DefaultPolicy()
	if path == "" {
		return policy, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("policy: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(raw, &policy); err != nil {
		return Policy{}, fmt.Errorf("policy: parse %s: %w", path, err)
	}
	if policy.MaxSwapAttempts <= 0 {
		return Policy{}, fmt.Errorf("policy: MaxSwapAttempts must be positive")
	}
	return policy, nil
}

// RateLimit returns the hourly threshold for an action; zero means unlimited.
func (p Policy) RateLimit(action string) int {
	return p.RateLimitsPerHour[action]
}

// CancelForbidden reports whether cancellation is forbidden from the state.
func (p Policy) CancelForbidden(state string) bool {
	for _, s := range p.ForbiddenCancelStates {
		if s == state {
			return true
		}
	}
	return false
}

// Session returns the session freshness ceiling.
func (p Policy) Session() time.Duration { return p.SessionFreshness.Duration }

// OTP returns the one-time-code freshness window.
func (p Policy) OTP() time.Duration { return p.OTPFreshness.Duration }

// Invite returns the invite expiry TTL.
func (p Policy) Invite() time.Duration { return p.InviteTTL.Duration }

// Scan returns the virus scan verdict timeout.
func (p Policy) Scan() time.Duration { return p.ScanTimeout.Duration }

// Lookback returns the idempotency replay window.
func (p Policy) Lookback() time.Duration { return p.IdempotencyLookback.Duration }
