package ota

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"droidfleet.sh/internal/events"
	"droidfleet.sh/internal/fault"
	"droidfleet.sh/internal/models"
	"droidfleet.sh/internal/store"
)

type memBuildStore struct {
	current *models.Build
	builds  map[string]*models.Build
	stats   map[string]map[store.StatCounter]int64
}

func newMemBuildStore() *memBuildStore {
	return &memBuildStore{
		builds: make(map[string]*models.Build),
		stats:  make(map[string]map[store.StatCounter]int64),
	}
}

func (s *memBuildStore) Create(_ context.Context, b *models.Build) error {
	s.builds[b.ID] = b
	return nil
}

func (s *memBuildStore) Get(_ context.Context, id string) (*models.Build, error) {
	b, ok := s.builds[id]
	if !ok {
		return nil, fault.Newf(fault.CodeNotFound, "build %s not found", id)
	}
	return b, nil
}

func (s *memBuildStore) Current(context.Context, string) (*models.Build, error) {
	if s.current == nil {
		return nil, fault.New(fault.CodeNotFound, "no current build")
	}
	return s.current, nil
}

func (s *memBuildStore) List(context.Context, string, int) ([]*models.Build, error) {
	return nil, nil
}

func (s *memBuildStore) Promote(_ context.Context, buildID string, pct int, wifiOnly, mustInstall bool, by string, now time.Time) error {
	b, ok := s.builds[buildID]
	if !ok {
		return fault.Newf(fault.CodeNotFound, "build %s not found", buildID)
	}
	if s.current != nil {
		s.current.IsCurrent = false
	}
	b.IsCurrent = true
	b.StagedRolloutPct = pct
	b.WifiOnly = wifiOnly
	b.MustInstall = mustInstall
	b.PromotedBy = by
	b.PromotedAt = &now
	s.current = b
	return nil
}

func (s *memBuildStore) SetRolloutPct(_ context.Context, buildID string, pct int) error {
	if s.current == nil || s.current.ID != buildID {
		return fault.Newf(fault.CodeNotFound, "current build %s not found", buildID)
	}
	s.current.StagedRolloutPct = pct
	return nil
}

func (s *memBuildStore) Rollback(_ context.Context, fromID, targetID string, pct int, mustInstall bool, by string, now time.Time) error {
	target, ok := s.builds[targetID]
	if !ok {
		return fault.Newf(fault.CodeNotFound, "build %s not found", targetID)
	}
	if s.current != nil {
		s.current.IsCurrent = false
	}
	target.IsCurrent = true
	target.StagedRolloutPct = pct
	target.MustInstall = mustInstall
	target.RollbackFromBuildID = fromID
	target.PromotedBy = by
	target.PromotedAt = &now
	s.current = target
	return nil
}

func (s *memBuildStore) BumpStat(_ context.Context, buildID string, counter store.StatCounter) error {
	if s.stats[buildID] == nil {
		s.stats[buildID] = make(map[store.StatCounter]int64)
	}
	s.stats[buildID][counter]++
	return nil
}

func (s *memBuildStore) Stats(_ context.Context, buildID string) (*models.DeployStats, error) {
	return &models.DeployStats{BuildID: buildID}, nil
}

type memDeviceStore struct {
	devices []*models.Device
}

func (s *memDeviceStore) List(context.Context, store.ListOptions) ([]*models.Device, error) {
	return s.devices, nil
}
func (s *memDeviceStore) Get(_ context.Context, id string) (*models.Device, error) {
	for _, d := range s.devices {
		if d.ID == id {
			return d, nil
		}
	}
	return nil, fault.New(fault.CodeNotFound, "not found")
}
func (s *memDeviceStore) GetByTokenID(context.Context, string) (*models.Device, error) {
	return nil, fault.New(fault.CodeAuthFailure, "unknown token")
}
func (s *memDeviceStore) Create(context.Context, *models.Device) error         { return nil }
func (s *memDeviceStore) Update(context.Context, *models.Device) error         { return nil }
func (s *memDeviceStore) Delete(context.Context, string) error                 { return nil }
func (s *memDeviceStore) RevokeToken(context.Context, string, time.Time) error { return nil }
func (s *memDeviceStore) RotateToken(context.Context, string, string, string) error {
	return nil
}
func (s *memDeviceStore) SelectTargets(_ context.Context, _ *models.TargetSpec, _ time.Time) ([]*models.Target, error) {
	var out []*models.Target
	for _, d := range s.devices {
		if d.HasPushToken() {
			out = append(out, &models.Target{ID: d.ID, Alias: d.Alias, PushToken: d.PushToken})
		}
	}
	return out, nil
}

type recordingDispatcher struct {
	sent []string
}

func (r *recordingDispatcher) Send(_ context.Context, deviceID string, _ models.Action, _ map[string]string) (*models.Dispatch, error) {
	r.sent = append(r.sent, deviceID)
	return &models.Dispatch{}, nil
}

func newTestOTA(t *testing.T, builds *memBuildStore, devices *memDeviceStore) (*Service, *recordingDispatcher) {
	t.Helper()
	hub := events.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	dispatcher := &recordingDispatcher{}
	return NewService(builds, devices, dispatcher, hub), dispatcher
}

func currentBuild(pct int) *models.Build {
	return &models.Build{
		ID: "build-7", PackageName: "com.example.agent",
		VersionCode: 70, VersionName: "7.0.0", SHA256: "abc123",
		SignerFingerprint: "f1:e2:d3",
		IsCurrent:         true, StagedRolloutPct: pct,
	}
}

func TestCheckNoCurrentBuild(t *testing.T) {
	svc, _ := newTestOTA(t, newMemBuildStore(), &memDeviceStore{})

	result, err := svc.Check(context.Background(), &models.Device{ID: "dev-1"}, &CheckRequest{
		PackageName: "com.example.agent", VersionCode: 50,
	})
	require.NoError(t, err)
	assert.Nil(t, result.Manifest)
	assert.Equal(t, ReasonNoCurrentBuild, result.Reason)
}

func TestCheckUpToDate(t *testing.T) {
	builds := newMemBuildStore()
	builds.current = currentBuild(100)
	svc, _ := newTestOTA(t, builds, &memDeviceStore{})

	result, err := svc.Check(context.Background(), &models.Device{ID: "dev-1"}, &CheckRequest{
		PackageName: "com.example.agent", VersionCode: 70,
	})
	require.NoError(t, err)
	assert.Nil(t, result.Manifest)
	assert.Equal(t, ReasonUpToDate, result.Reason)
	assert.Equal(t, int64(1), builds.stats["build-7"][store.StatChecks])
}

func TestCheckCohortGate(t *testing.T) {
	builds := newMemBuildStore()
	builds.current = currentBuild(10)
	svc, _ := newTestOTA(t, builds, &memDeviceStore{})

	// Pick device ids on both sides of the 10% boundary.
	var in, out string
	for i := 0; in == "" || out == ""; i++ {
		id := fmt.Sprintf("device-%d", i)
		if Cohort(id) < 10 {
			in = id
		} else {
			out = id
		}
	}

	result, err := svc.Check(context.Background(), &models.Device{ID: in}, &CheckRequest{
		PackageName: "com.example.agent", VersionCode: 50,
	})
	require.NoError(t, err)
	require.NotNil(t, result.Manifest)
	assert.Equal(t, "build-7", result.Manifest.BuildID)
	assert.Equal(t, int64(1), builds.stats["build-7"][store.StatEligible])

	result, err = svc.Check(context.Background(), &models.Device{ID: out}, &CheckRequest{
		PackageName: "com.example.agent", VersionCode: 50,
	})
	require.NoError(t, err)
	assert.Nil(t, result.Manifest)
	assert.Equal(t, ReasonNotInCohort, result.Reason)
}

func TestCheckManifestFields(t *testing.T) {
	builds := newMemBuildStore()
	builds.current = currentBuild(100)
	builds.current.WifiOnly = true
	svc, _ := newTestOTA(t, builds, &memDeviceStore{})

	result, err := svc.Check(context.Background(), &models.Device{ID: "dev-1"}, &CheckRequest{
		PackageName: "com.example.agent", VersionCode: 50,
	})
	require.NoError(t, err)
	m := result.Manifest
	require.NotNil(t, m)
	assert.Equal(t, "build-7", m.BuildID)
	assert.Equal(t, "com.example.agent", m.PackageName)
	assert.Equal(t, int64(70), m.VersionCode)
	assert.Equal(t, "7.0.0", m.VersionName)
	assert.Equal(t, "abc123", m.SHA256)
	assert.Equal(t, "f1:e2:d3", m.SignerFingerprint)
	assert.Equal(t, "/v1/agent/download/build-7", m.DownloadURL)
	// Wifi gating happens agent-side; the manifest just carries the flag.
	assert.True(t, m.WifiOnly)
	assert.Equal(t, 100, m.RolloutPct)
}

func TestCheckDefaultsToMonitoredPackage(t *testing.T) {
	builds := newMemBuildStore()
	builds.current = currentBuild(100)
	svc, _ := newTestOTA(t, builds, &memDeviceStore{})

	device := &models.Device{ID: "dev-1", MonitoredPackage: "com.example.agent"}
	result, err := svc.Check(context.Background(), device, &CheckRequest{VersionCode: 50})
	require.NoError(t, err)
	require.NotNil(t, result.Manifest)

	// No package anywhere is a caller error.
	_, err = svc.Check(context.Background(), &models.Device{ID: "dev-1"}, &CheckRequest{VersionCode: 50})
	require.Error(t, err)
	assert.Equal(t, fault.CodeValidation, fault.GetCode(err))
}

func TestCheckMustInstallBypassesCohort(t *testing.T) {
	builds := newMemBuildStore()
	builds.current = currentBuild(0)
	builds.current.MustInstall = true
	svc, _ := newTestOTA(t, builds, &memDeviceStore{})

	result, err := svc.Check(context.Background(), &models.Device{ID: "dev-1"}, &CheckRequest{
		PackageName: "com.example.agent", VersionCode: 50,
	})
	require.NoError(t, err)
	require.NotNil(t, result.Manifest)
	assert.True(t, result.Manifest.MustInstall)
}

func TestReportInstall(t *testing.T) {
	builds := newMemBuildStore()
	builds.builds["build-7"] = currentBuild(100)
	svc, _ := newTestOTA(t, builds, &memDeviceStore{})
	device := &models.Device{ID: "dev-1", Alias: "kiosk-01"}

	tests := []struct {
		name    string
		queryID string
		report  InstallReport
		wantErr fault.Code
		counter store.StatCounter
	}{
		{
			name: "success counted", queryID: "inst-1",
			report:  InstallReport{BuildID: "build-7", Status: "success"},
			counter: store.StatInstallOK,
		},
		{
			name: "failure counted", queryID: "inst-2",
			report:  InstallReport{BuildID: "build-7", Status: "failed"},
			counter: store.StatInstallKO,
		},
		{
			name: "verify failure counted", queryID: "inst-3",
			report:  InstallReport{BuildID: "build-7", Status: "verify_failed"},
			counter: store.StatVerifyKO,
		},
		{
			name: "body id mismatch rejected", queryID: "inst-4",
			report:  InstallReport{InstallationID: "other", BuildID: "build-7", Status: "success"},
			wantErr: fault.CodeValidation,
		},
		{
			name: "missing query id rejected", queryID: "",
			report:  InstallReport{BuildID: "build-7", Status: "success"},
			wantErr: fault.CodeValidation,
		},
		{
			name: "unknown status rejected", queryID: "inst-5",
			report:  InstallReport{BuildID: "build-7", Status: "exploded"},
			wantErr: fault.CodeValidation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := builds.stats["build-7"][tt.counter]
			err := svc.ReportInstall(context.Background(), device, tt.queryID, &tt.report)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantErr, fault.GetCode(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, before+1, builds.stats["build-7"][tt.counter])
		})
	}
}

func TestRollbackExplicitTarget(t *testing.T) {
	builds := newMemBuildStore()
	builds.builds["build-7"] = currentBuild(100)
	builds.builds["build-6"] = &models.Build{ID: "build-6", PackageName: "com.example.agent", VersionCode: 60}
	svc, _ := newTestOTA(t, builds, &memDeviceStore{})

	b, err := svc.Rollback(context.Background(), "build-7",
		RollbackOptions{TargetBuildID: "build-6", Percent: 100, MustInstall: true}, "ops")
	require.NoError(t, err)
	assert.Equal(t, "build-6", b.ID)
	assert.True(t, b.IsCurrent)
	assert.True(t, b.MustInstall)
	assert.Equal(t, 100, b.StagedRolloutPct)
	assert.Equal(t, "ops", b.PromotedBy)
	// The restored build now points at the bad build, so rolling back
	// again would undo this rollback.
	assert.Equal(t, "build-7", b.RollbackFromBuildID)
}

func TestRollbackDefaultsToRecordedTarget(t *testing.T) {
	builds := newMemBuildStore()
	bad := currentBuild(100)
	bad.RollbackFromBuildID = "build-6"
	builds.builds["build-7"] = bad
	builds.builds["build-6"] = &models.Build{ID: "build-6", PackageName: "com.example.agent", VersionCode: 60}
	svc, _ := newTestOTA(t, builds, &memDeviceStore{})

	b, err := svc.Rollback(context.Background(), "build-7",
		RollbackOptions{Percent: 50, MustInstall: true}, "ops")
	require.NoError(t, err)
	assert.Equal(t, "build-6", b.ID)
	assert.Equal(t, 50, b.StagedRolloutPct)
	assert.Equal(t, "build-7", b.RollbackFromBuildID)
}

func TestRollbackValidation(t *testing.T) {
	builds := newMemBuildStore()
	builds.builds["build-7"] = currentBuild(100) // no recorded predecessor
	svc, _ := newTestOTA(t, builds, &memDeviceStore{})

	_, err := svc.Rollback(context.Background(), "build-7",
		RollbackOptions{TargetBuildID: "build-7", Percent: 100}, "ops")
	require.Error(t, err)
	assert.Equal(t, fault.CodeValidation, fault.GetCode(err))

	_, err = svc.Rollback(context.Background(), "build-7", RollbackOptions{Percent: 100}, "ops")
	require.Error(t, err)
	assert.Equal(t, fault.CodeValidation, fault.GetCode(err))
	assert.ErrorContains(t, err, "target_build_id")
}

func TestNudgeRespectsCohortAndPushTokens(t *testing.T) {
	builds := newMemBuildStore()
	builds.current = currentBuild(10)

	devices := &memDeviceStore{}
	var inCohort string
	for i := 0; inCohort == ""; i++ {
		id := fmt.Sprintf("device-%d", i)
		if Cohort(id) < 10 {
			inCohort = id
		}
	}
	var outCohort string
	for i := 0; outCohort == ""; i++ {
		id := fmt.Sprintf("other-%d", i)
		if Cohort(id) >= 10 {
			outCohort = id
		}
	}
	devices.devices = []*models.Device{
		{ID: inCohort, PushToken: "pt-1"},
		{ID: outCohort, PushToken: "pt-2"},
		{ID: "no-push-" + inCohort},
	}

	svc, dispatcher := newTestOTA(t, builds, devices)
	nudged, err := svc.Nudge(context.Background(), "com.example.agent", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, nudged)
	assert.Equal(t, []string{inCohort}, dispatcher.sent)
}
