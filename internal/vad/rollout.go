package vad

import "github.com/cespare/xxhash/v2"

// InRollout reports whether uid falls inside the first pct percent of the
// hash space. The result is stable across reconnects.
func InRollout(uid string, pct int) bool {
	if pct >= 100 {
		return true
	}
	if pct <= 0 {
		return false
	}
	return xxhash.Sum64String(uid)%100 < uint64(pct)
}

// ResolveMode returns the configured mode for users inside the rollout and
// ModeOff for everyone else.
func ResolveMode(configured string, uid string, pct int) Mode {
	mode := Mode(configured)
	switch mode {
	case ModeShadow, ModeActive:
	default:
		return ModeOff
	}
	if !InRollout(uid, pct) {
		return ModeOff
	}
	return mode
}
