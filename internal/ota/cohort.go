// Package ota implements staged agent rollouts: deterministic
// cohorting, manifest decisions, promotion and rollback.
package ota

import (
	"crypto/sha256"
	"encoding/binary"
)

// Cohort maps a device id onto a stable bucket in [0,100). The mapping
// uses the first two bytes of SHA-256(device_id), so a device's bucket
// never changes and raising the rollout percentage only ever adds
// devices.
func Cohort(deviceID string) int {
	sum := sha256.Sum256([]byte(deviceID))
	return int(binary.BigEndian.Uint16(sum[:2]) % 100)
}

// InRollout reports whether a device is eligible at the given staged
// rollout percentage.
func InRollout(deviceID string, pct int) bool {
	if pct <= 0 {
		return false
	}
	if pct >= 100 {
		return true
	}
	return Cohort(deviceID) < pct
}
