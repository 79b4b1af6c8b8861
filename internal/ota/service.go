package ota

import (
	"context"
	"log/slog"
	"time"

	"droidfleet.sh/internal/events"
	"droidfleet.sh/internal/fault"
	"droidfleet.sh/internal/metrics"
	"droidfleet.sh/internal/models"
	"droidfleet.sh/internal/store"
)

// Check reasons surfaced in the manifest_checks_total metric and the
// not-modified diagnostic header. The closed not-modified set is
// {no_current_build, up_to_date, not_in_cohort}; wifi gating is the
// agent's call, informed by the manifest's wifi_only flag.
const (
	ReasonNoCurrentBuild = "no_current_build"
	ReasonUpToDate       = "up_to_date"
	ReasonNotInCohort    = "not_in_cohort"
	ReasonEligible       = "eligible"
)

// Manifest is the update offer returned to an eligible device.
type Manifest struct {
	BuildID           string `json:"build_id"`
	PackageName       string `json:"package_name"`
	VersionCode       int64  `json:"version_code"`
	VersionName       string `json:"version_name"`
	SHA256            string `json:"sha256"`
	SignerFingerprint string `json:"signer_fingerprint"`
	DownloadURL       string `json:"download_url"`
	MustInstall       bool   `json:"must_install"`
	WifiOnly          bool   `json:"wifi_only"`
	RolloutPct        int    `json:"rollout_pct"`
}

// CheckResult is the outcome of one manifest check.
type CheckResult struct {
	// Manifest is nil when the device should not update; Reason then
	// explains why.
	Manifest *Manifest
	Reason   string
}

// CheckRequest carries the agent-reported state for a manifest check.
type CheckRequest struct {
	PackageName string `json:"package_name"`
	VersionCode int64  `json:"current_version_code"`
}

// Dispatcher nudges eligible devices. Satisfied by the command
// dispatcher.
type Dispatcher interface {
	Send(ctx context.Context, deviceID string, action models.Action, params map[string]string) (*models.Dispatch, error)
}

// Service answers manifest checks and manages rollouts.
type Service struct {
	builds     store.BuildStore
	devices    store.DeviceStore
	dispatcher Dispatcher
	hub        *events.Hub
	logger     *slog.Logger
}

// NewService creates an OTA service.
func NewService(builds store.BuildStore, devices store.DeviceStore, dispatcher Dispatcher, hub *events.Hub) *Service {
	return &Service{
		builds:     builds,
		devices:    devices,
		dispatcher: dispatcher,
		hub:        hub,
		logger:     slog.Default().With("component", "ota"),
	}
}

// Check decides whether device should update. Ineligibility is not an
// error; the handler turns a nil manifest into 304.
func (s *Service) Check(ctx context.Context, device *models.Device, req *CheckRequest) (*CheckResult, error) {
	pkg := req.PackageName
	if pkg == "" {
		pkg = device.MonitoredPackage
	}
	if pkg == "" {
		return nil, fault.New(fault.CodeValidation, "package_name is required")
	}

	current, err := s.builds.Current(ctx, pkg)
	if err != nil {
		if fault.GetCode(err) == fault.CodeNotFound {
			metrics.ManifestChecksTotal.WithLabelValues(ReasonNoCurrentBuild).Inc()
			return &CheckResult{Reason: ReasonNoCurrentBuild}, nil
		}
		return nil, err
	}

	if err := s.builds.BumpStat(ctx, current.ID, store.StatChecks); err != nil {
		s.logger.Error("Failed to count manifest check", "build_id", current.ID, "error", err)
	}

	if req.VersionCode >= current.VersionCode {
		metrics.ManifestChecksTotal.WithLabelValues(ReasonUpToDate).Inc()
		return &CheckResult{Reason: ReasonUpToDate}, nil
	}

	// Forced rollbacks bypass cohorting; everything else is staged.
	if !current.MustInstall && !InRollout(device.ID, current.StagedRolloutPct) {
		metrics.ManifestChecksTotal.WithLabelValues(ReasonNotInCohort).Inc()
		return &CheckResult{Reason: ReasonNotInCohort}, nil
	}

	if err := s.builds.BumpStat(ctx, current.ID, store.StatEligible); err != nil {
		s.logger.Error("Failed to count eligibility", "build_id", current.ID, "error", err)
	}
	metrics.ManifestChecksTotal.WithLabelValues(ReasonEligible).Inc()

	return &CheckResult{
		Reason: ReasonEligible,
		Manifest: &Manifest{
			BuildID:           current.ID,
			PackageName:       current.PackageName,
			VersionCode:       current.VersionCode,
			VersionName:       current.VersionName,
			SHA256:            current.SHA256,
			SignerFingerprint: current.SignerFingerprint,
			DownloadURL:       "/v1/agent/download/" + current.ID,
			MustInstall:       current.MustInstall,
			WifiOnly:          current.WifiOnly,
			RolloutPct:        current.StagedRolloutPct,
		},
	}, nil
}

// CountDownload records that a device started downloading a build.
func (s *Service) CountDownload(ctx context.Context, buildID string) {
	if err := s.builds.BumpStat(ctx, buildID, store.StatDownloads); err != nil {
		s.logger.Error("Failed to count download", "build_id", buildID, "error", err)
	}
}

// InstallReport is the agent-reported install progress.
type InstallReport struct {
	InstallationID string `json:"installation_id"`
	BuildID        string `json:"build_id"`
	// Status is one of downloading, verifying, installing, success,
	// failed, verify_failed.
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

var installStatuses = map[string]bool{
	"downloading": true, "verifying": true, "installing": true,
	"success": true, "failed": true, "verify_failed": true,
}

// ReportInstall records install progress. installationID comes from
// the query string and is authoritative; a body that disagrees is a
// caller bug.
func (s *Service) ReportInstall(ctx context.Context, device *models.Device, installationID string, report *InstallReport) error {
	if installationID == "" {
		return fault.New(fault.CodeValidation, "installation_id is required")
	}
	if report.InstallationID != "" && report.InstallationID != installationID {
		return fault.New(fault.CodeValidation, "installation_id mismatch between query and body")
	}
	if !installStatuses[report.Status] {
		return fault.Newf(fault.CodeValidation, "unknown install status %q", report.Status)
	}
	if report.BuildID == "" {
		return fault.New(fault.CodeValidation, "build_id is required")
	}

	switch report.Status {
	case "success":
		if err := s.builds.BumpStat(ctx, report.BuildID, store.StatInstallOK); err != nil {
			return err
		}
	case "failed":
		if err := s.builds.BumpStat(ctx, report.BuildID, store.StatInstallKO); err != nil {
			return err
		}
	case "verify_failed":
		if err := s.builds.BumpStat(ctx, report.BuildID, store.StatVerifyKO); err != nil {
			return err
		}
	}

	s.hub.Publish(events.TypeInstallProgress, map[string]any{
		"device_id":       device.ID,
		"alias":           device.Alias,
		"installation_id": installationID,
		"build_id":        report.BuildID,
		"status":          report.Status,
		"message":         report.Message,
	})
	return nil
}

// Promote makes buildID current at the given staged percentage.
func (s *Service) Promote(ctx context.Context, buildID string, rolloutPct int, wifiOnly, mustInstall bool, promotedBy string) (*models.Build, error) {
	if err := s.builds.Promote(ctx, buildID, rolloutPct, wifiOnly, mustInstall, promotedBy, time.Now()); err != nil {
		return nil, err
	}
	return s.builds.Get(ctx, buildID)
}

// SetRollout widens (or narrows) the staged rollout of the current
// build.
func (s *Service) SetRollout(ctx context.Context, buildID string, pct int) (*models.Build, error) {
	if err := s.builds.SetRolloutPct(ctx, buildID, pct); err != nil {
		return nil, err
	}
	return s.builds.Get(ctx, buildID)
}

// RollbackOptions shape a rollback. An empty TargetBuildID means
// "whatever the bad build replaced".
type RollbackOptions struct {
	TargetBuildID string
	Percent       int
	MustInstall   bool
}

// Rollback demotes fromID and re-promotes a known-good build. The
// default target is the build fromID replaced when it was promoted, so
// the restored build's own rollback pointer ends up naming the bad
// build.
func (s *Service) Rollback(ctx context.Context, fromID string, opts RollbackOptions, promotedBy string) (*models.Build, error) {
	from, err := s.builds.Get(ctx, fromID)
	if err != nil {
		return nil, err
	}

	target := opts.TargetBuildID
	if target == "" {
		if from.RollbackFromBuildID == "" {
			return nil, fault.New(fault.CodeValidation, "build has no recorded rollback target; pass target_build_id")
		}
		target = from.RollbackFromBuildID
	}
	if target == fromID {
		return nil, fault.New(fault.CodeValidation, "cannot roll back a build onto itself")
	}

	if err := s.builds.Rollback(ctx, fromID, target, opts.Percent, opts.MustInstall, promotedBy, time.Now()); err != nil {
		return nil, err
	}
	restored, err := s.builds.Get(ctx, target)
	if err != nil {
		return nil, err
	}
	s.logger.Warn("Rolled back build",
		"from_build_id", fromID,
		"to_build_id", restored.ID,
		"rollout_pct", restored.StagedRolloutPct,
		"must_install", restored.MustInstall,
		"by", promotedBy)
	return restored, nil
}

// Nudge pushes an update command to eligible devices so they check in
// immediately instead of waiting for their next poll.
func (s *Service) Nudge(ctx context.Context, packageName string, limit int) (int, error) {
	current, err := s.builds.Current(ctx, packageName)
	if err != nil {
		return 0, err
	}

	devices, err := s.devices.List(ctx, store.ListOptions{})
	if err != nil {
		return 0, err
	}

	nudged := 0
	for _, device := range devices {
		if limit > 0 && nudged >= limit {
			break
		}
		if !device.HasPushToken() {
			continue
		}
		if !current.MustInstall && !InRollout(device.ID, current.StagedRolloutPct) {
			continue
		}
		if _, err := s.dispatcher.Send(ctx, device.ID, models.ActionUpdate, map[string]string{
			"build_id": current.ID,
		}); err != nil {
			s.logger.Error("Nudge dispatch failed", "device_id", device.ID, "error", err)
			continue
		}
		nudged++
	}

	s.logger.Info("Update nudge sent",
		"package", packageName, "build_id", current.ID, "nudged", nudged)
	return nudged, nil
}

// Stats returns rollout counters plus the adoption rate.
func (s *Service) Stats(ctx context.Context, buildID string) (*models.DeployStats, error) {
	return s.builds.Stats(ctx, buildID)
}
