package models

import "time"

// Build is one uploaded agent build for a package. At most one build
// per package has IsCurrent set; promotion flips it atomically.
type Build struct {
	ID                  string     `json:"id"`
	PackageName         string     `json:"package_name"`
	VersionCode         int64      `json:"version_code"`
	VersionName         string     `json:"version_name"`
	SHA256              string     `json:"sha256"`
	SignerFingerprint   string     `json:"signer_fingerprint"`
	StorageURL          string     `json:"storage_url"`
	IsCurrent           bool       `json:"is_current"`
	StagedRolloutPct    int        `json:"staged_rollout_percent"` // [0,100]
	WifiOnly            bool       `json:"wifi_only"`
	MustInstall         bool       `json:"must_install"`
	RollbackFromBuildID string     `json:"rollback_from_build_id,omitempty"`
	PromotedAt          *time.Time `json:"promoted_at,omitempty"`
	PromotedBy          string     `json:"promoted_by,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// DeployStats are the per-build rollout counters.
type DeployStats struct {
	BuildID        string `json:"build_id"`
	TotalChecks    int64  `json:"total_checks"`
	TotalEligible  int64  `json:"total_eligible"`
	TotalDownloads int64  `json:"total_downloads"`
	InstallsOK     int64  `json:"installs_success"`
	InstallsFailed int64  `json:"installs_failed"`
	VerifyFailed   int64  `json:"verify_failed"`
}

// AdoptionRate returns installs_success / total_eligible, or 0 when
// nothing was eligible yet.
func (s *DeployStats) AdoptionRate() float64 {
	if s.TotalEligible == 0 {
		return 0
	}
	return float64(s.InstallsOK) / float64(s.TotalEligible)
}
