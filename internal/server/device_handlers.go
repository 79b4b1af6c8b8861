package server

import (
	"io"
	"net/http"
	"strconv"

	"droidfleet.sh/internal/dispatch"
	"droidfleet.sh/internal/fault"
	"droidfleet.sh/internal/ingest"
	"droidfleet.sh/internal/middleware"
	"droidfleet.sh/internal/ota"
)

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	device := middleware.DeviceFromContext(r.Context())

	var req ingest.HeartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	// Accepts answer with a bare 200; duplicates are indistinguishable
	// from fresh writes on the wire.
	if _, err := s.ingest.Ingest(r.Context(), device, &req); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleActionResult(w http.ResponseWriter, r *http.Request) {
	device := middleware.DeviceFromContext(r.Context())

	var req dispatch.AckRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	d, err := s.dispatcher.Ack(r.Context(), device, &req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleManifestCheck answers the agent's update poll. No manifest
// means 304 with the reason in X-Reason, so agents cheaply no-op.
func (s *Server) handleManifestCheck(w http.ResponseWriter, r *http.Request) {
	device := middleware.DeviceFromContext(r.Context())

	q := r.URL.Query()
	if id := q.Get("device_id"); id != "" && id != device.ID {
		writeError(w, r, fault.New(fault.CodeValidation,
			"device_id does not match the authenticated device"))
		return
	}
	versionCode, err := strconv.ParseInt(q.Get("current_version_code"), 10, 64)
	if err != nil {
		writeError(w, r, fault.New(fault.CodeValidation, "current_version_code must be an integer"))
		return
	}
	req := &ota.CheckRequest{
		PackageName: q.Get("package_name"),
		VersionCode: versionCode,
	}

	result, err := s.ota.Check(r.Context(), device, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if result.Manifest == nil {
		w.Header().Set("X-Reason", result.Reason)
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, result.Manifest)
}

func (s *Server) handleArtifactDownload(w http.ResponseWriter, r *http.Request) {
	buildID, err := requirePathValue(r, "build_id")
	if err != nil {
		writeError(w, r, err)
		return
	}

	build, err := s.builds.Get(r.Context(), buildID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	rc, size, err := s.artifacts.Open(build.StorageURL)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer rc.Close()

	s.ota.CountDownload(r.Context(), build.ID)

	w.Header().Set("Content-Type", "application/vnd.android.package-archive")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("X-Checksum-SHA256", build.SHA256)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("Artifact stream interrupted", "build_id", build.ID, "error", err)
	}
}

func (s *Server) handleInstallReport(w http.ResponseWriter, r *http.Request) {
	device := middleware.DeviceFromContext(r.Context())

	installationID := r.URL.Query().Get("installation_id")
	if installationID == "" {
		writeError(w, r, fault.New(fault.CodeValidation, "installation_id is required"))
		return
	}

	var report ota.InstallReport
	if err := decodeJSON(r, &report); err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.ota.ReportInstall(r.Context(), device, installationID, &report); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}
