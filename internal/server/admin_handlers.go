package server

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"droidfleet.sh/internal/dispatch"
	"droidfleet.sh/internal/fault"
	"droidfleet.sh/internal/middleware"
	"droidfleet.sh/internal/models"
	"droidfleet.sh/internal/ota"
	"droidfleet.sh/internal/security"
	"droidfleet.sh/internal/store"
)

// maxUploadBytes bounds APK uploads, well above any agent build.
const maxUploadBytes = 256 << 20

// handleSessionLogin exchanges the admin key for a short-lived session
// token so browsers never hold the long-lived key.
func (s *Server) handleSessionLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AdminKey string `json:"admin_key"`
		Subject  string `json:"subject"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.AdminKey), []byte(s.cfg.AdminKey)) != 1 {
		writeError(w, r, fault.New(fault.CodeAuthFailure, "invalid admin key"))
		return
	}
	if s.sessions == nil {
		writeError(w, r, fault.New(fault.CodeValidation, "sessions are not configured"))
		return
	}

	subject := req.Subject
	if subject == "" {
		subject = "admin"
	}
	token, err := s.sessions.Issue(subject, time.Now())
	if err != nil {
		writeError(w, r, fault.Wrap(err, fault.CodeInternal, "failed to issue session"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_in": int(security.SessionTTL.Seconds()),
	})
}

// Device registry.

type deviceRequest struct {
	Alias             string `json:"alias"`
	MonitoredPackage  string `json:"monitored_package"`
	MonitoredName     string `json:"monitored_name"`
	ThresholdMinutes  int    `json:"threshold_minutes"`
	MonitoringEnabled bool   `json:"monitoring_enabled"`
	DeviceOwnerMode   bool   `json:"device_owner_mode"`
	PushToken         string `json:"push_token"`
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 500)
	if err != nil {
		writeError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}

	devices, err := s.devices.List(r.Context(), store.ListOptions{Limit: limit, Offset: offset})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Alias == "" {
		writeError(w, r, fault.New(fault.CodeValidation, "alias is required").
			WithFields(fault.FieldError{Field: "alias", Reason: "required"}))
		return
	}

	token, tokenID, tokenHash, err := security.GenerateDeviceToken()
	if err != nil {
		writeError(w, r, fault.Wrap(err, fault.CodeInternal, "token generation failed"))
		return
	}

	device := &models.Device{
		ID:                uuid.NewString(),
		Alias:             req.Alias,
		TokenID:           tokenID,
		TokenHash:         tokenHash,
		PushToken:         req.PushToken,
		MonitoredPackage:  req.MonitoredPackage,
		MonitoredName:     req.MonitoredName,
		ThresholdMinutes:  req.ThresholdMinutes,
		MonitoringEnabled: req.MonitoringEnabled,
		DeviceOwnerMode:   req.DeviceOwnerMode,
	}
	if device.ThresholdMinutes == 0 {
		device.ThresholdMinutes = models.DefaultThresholdMinutes
	}

	if err := s.devices.Create(r.Context(), device); err != nil {
		writeError(w, r, err)
		return
	}

	// The full token appears exactly once, in this response.
	writeJSON(w, http.StatusCreated, map[string]any{"device": device, "token": token})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	device, err := s.devices.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, device)
}

func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	device, err := s.devices.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req deviceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Alias != "" {
		device.Alias = req.Alias
	}
	if req.MonitoredPackage != "" {
		device.MonitoredPackage = req.MonitoredPackage
	}
	if req.MonitoredName != "" {
		device.MonitoredName = req.MonitoredName
	}
	if req.ThresholdMinutes != 0 {
		device.ThresholdMinutes = req.ThresholdMinutes
	}
	if req.PushToken != "" {
		device.PushToken = req.PushToken
	}
	device.MonitoringEnabled = req.MonitoringEnabled
	device.DeviceOwnerMode = req.DeviceOwnerMode

	if err := s.devices.Update(r.Context(), device); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, device)
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.devices.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRotateToken(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	token, tokenID, tokenHash, err := security.GenerateDeviceToken()
	if err != nil {
		writeError(w, r, fault.Wrap(err, fault.CodeInternal, "token generation failed"))
		return
	}
	if err := s.devices.RotateToken(r.Context(), id, tokenID, tokenHash); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	if err := s.devices.RevokeToken(r.Context(), r.PathValue("id"), time.Now()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// Fleet reads.

func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.heartbeats.LastStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 500)
	if err != nil {
		writeError(w, r, err)
		return
	}
	to := time.Now()
	from := to.Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("from"); raw != "" {
		if from, err = time.Parse(time.RFC3339, raw); err != nil {
			writeError(w, r, fault.New(fault.CodeValidation, "from must be RFC3339"))
			return
		}
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		if to, err = time.Parse(time.RFC3339, raw); err != nil {
			writeError(w, r, fault.New(fault.CodeValidation, "to must be RFC3339"))
			return
		}
	}

	hbs, err := s.heartbeats.History(r.Context(), r.PathValue("id"), from, to, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"heartbeats": hbs, "count": len(hbs)})
}

func (s *Server) handleDeviceDispatches(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, r, err)
		return
	}
	dispatches, err := s.dispatches.ListRecent(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dispatches": dispatches, "count": len(dispatches)})
}

func (s *Server) handleFleetStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.heartbeats.ListLastStatus(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": statuses, "count": len(statuses)})
}

// Commands.

func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action models.Action     `json:"action"`
		Params map[string]string `json:"params"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	d, err := s.dispatcher.Send(r.Context(), r.PathValue("id"), req.Action, req.Params)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, d)
}

func (s *Server) handleBulkExec(w http.ResponseWriter, r *http.Request) {
	var req struct {
		dispatch.BulkRequest
		SnapshotID string `json:"snapshot_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	// A snapshot id freezes the target list server-side so the set a
	// command hits is the set the operator reviewed.
	if req.SnapshotID != "" {
		if req.Targets != nil {
			writeError(w, r, fault.New(fault.CodeValidation, "snapshot_id and targets are mutually exclusive"))
			return
		}
		snap, err := s.snapshots.Get(r.Context(), req.SnapshotID, time.Now())
		if err != nil {
			writeError(w, r, err)
			return
		}
		req.Targets = &models.TargetSpec{DeviceIDs: snap.DeviceIDs}
		req.TargetLabel = "snapshot:" + snap.ID
	}

	exec, err := s.bulk.Start(r.Context(), &req.BulkRequest)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, exec)
}

func (s *Server) handleBulkStatus(w http.ResponseWriter, r *http.Request) {
	exec, results, err := s.dispatches.GetBulk(r.Context(), r.PathValue("exec_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"exec": exec, "results": results})
}

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceIDs []string `json:"device_ids"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if len(req.DeviceIDs) == 0 {
		writeError(w, r, fault.New(fault.CodeValidation, "device_ids is required"))
		return
	}

	snap, err := s.snapshots.Create(r.Context(), req.DeviceIDs, time.Now())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshots.Get(r.Context(), r.PathValue("id"), time.Now())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Builds and rollout.

func (s *Server) handleUploadBuild(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, r, fault.Wrap(err, fault.CodeValidation, "malformed multipart body"))
		return
	}

	packageName := r.FormValue("package_name")
	versionName := r.FormValue("version_name")
	versionCode, err := strconv.ParseInt(r.FormValue("version_code"), 10, 64)
	if packageName == "" || versionName == "" || err != nil {
		writeError(w, r, fault.New(fault.CodeValidation, "package_name, version_name and version_code are required"))
		return
	}

	file, _, err := r.FormFile("apk")
	if err != nil {
		writeError(w, r, fault.Wrap(err, fault.CodeValidation, "apk file is required"))
		return
	}
	defer file.Close()

	buildID := uuid.NewString()
	name := "builds/" + buildID + ".apk"
	checksum, size, err := s.artifacts.Put(name, file)
	if err != nil {
		writeError(w, r, fault.Wrap(err, fault.CodeInternal, "artifact write failed"))
		return
	}

	build := &models.Build{
		ID:                buildID,
		PackageName:       packageName,
		VersionCode:       versionCode,
		VersionName:       versionName,
		SHA256:            checksum,
		SignerFingerprint: r.FormValue("signer_fingerprint"),
		StorageURL:        name,
	}
	if err := s.builds.Create(r.Context(), build); err != nil {
		writeError(w, r, err)
		return
	}

	s.logger.Info("Build uploaded", "build_id", buildID, "package", packageName, "version", versionName, "bytes", size)
	writeJSON(w, http.StatusCreated, build)
}

func (s *Server) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	packageName := r.URL.Query().Get("package")
	if packageName == "" {
		writeError(w, r, fault.New(fault.CodeValidation, "package is required"))
		return
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, r, err)
		return
	}

	builds, err := s.builds.List(r.Context(), packageName, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"builds": builds, "count": len(builds)})
}

func (s *Server) handlePromoteBuild(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RolloutPct  int  `json:"rollout_percent"`
		WifiOnly    bool `json:"wifi_only"`
		MustInstall bool `json:"must_install"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	build, err := s.ota.Promote(r.Context(), r.PathValue("id"), req.RolloutPct, req.WifiOnly, req.MustInstall, middleware.AdminSubject(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, build)
}

func (s *Server) handleSetRollout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Percent int `json:"percent"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	build, err := s.ota.SetRollout(r.Context(), r.PathValue("id"), req.Percent)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, build)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		// TargetBuildID defaults to the bad build's recorded
		// rollback_from_build_id.
		TargetBuildID string `json:"target_build_id"`
		Percent       *int   `json:"percent"`
		MustInstall   *bool  `json:"must_install"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	opts := ota.RollbackOptions{TargetBuildID: req.TargetBuildID}
	if req.Percent != nil {
		opts.Percent = *req.Percent
	} else {
		opts.Percent = 100
	}
	if req.MustInstall != nil {
		opts.MustInstall = *req.MustInstall
	} else {
		opts.MustInstall = true
	}

	build, err := s.ota.Rollback(r.Context(), r.PathValue("id"), opts, middleware.AdminSubject(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, build)
}

func (s *Server) handleBuildStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.ota.Stats(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats, "adoption_rate": stats.AdoptionRate()})
}

func (s *Server) handleNudge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PackageName string `json:"package_name"`
		Limit       int    `json:"limit"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Limit <= 0 {
		req.Limit = 100
	}

	nudged, err := s.ota.Nudge(r.Context(), req.PackageName, req.Limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"nudged": nudged})
}

// Jobs and partitions.

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.sched.RunNow(r.Context(), name); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job": name, "status": "ran"})
}

func (s *Server) handleListPartitions(w http.ResponseWriter, r *http.Request) {
	partitions, err := s.partitions.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"partitions": partitions, "count": len(partitions)})
}
