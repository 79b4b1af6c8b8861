package store

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"droidfleet.sh/internal/database"
	"droidfleet.sh/internal/fault"
	"droidfleet.sh/internal/models"
)

// StatCounter names one column of the per-build rollout counters.
type StatCounter string

const (
	StatChecks    StatCounter = "total_checks"
	StatEligible  StatCounter = "total_eligible"
	StatDownloads StatCounter = "total_downloads"
	StatInstallOK StatCounter = "installs_success"
	StatInstallKO StatCounter = "installs_failed"
	StatVerifyKO  StatCounter = "verify_failed"
)

var validCounters = map[StatCounter]bool{
	StatChecks: true, StatEligible: true, StatDownloads: true,
	StatInstallOK: true, StatInstallKO: true, StatVerifyKO: true,
}

// BuildStore persists agent builds, promotion state and rollout stats.
type BuildStore interface {
	// Create registers an uploaded build.
	Create(ctx context.Context, b *models.Build) error

	// Get returns a build by id.
	Get(ctx context.Context, id string) (*models.Build, error)

	// Current returns the current build for a package, or not_found.
	Current(ctx context.Context, packageName string) (*models.Build, error)

	// List returns builds for a package, newest first.
	List(ctx context.Context, packageName string, limit int) ([]*models.Build, error)

	// Promote atomically makes buildID the current build for its
	// package with the given rollout settings, recording the demoted
	// build as the rollback target.
	Promote(ctx context.Context, buildID string, rolloutPct int, wifiOnly, mustInstall bool, promotedBy string, now time.Time) error

	// SetRolloutPct adjusts the staged rollout percentage of the
	// current build.
	SetRolloutPct(ctx context.Context, buildID string, pct int) error

	// Rollback promotes targetID as a rollback from fromID at the
	// given percentage, optionally forcing installs.
	Rollback(ctx context.Context, fromID, targetID string, pct int, mustInstall bool, promotedBy string, now time.Time) error

	// BumpStat increments one rollout counter for a build.
	BumpStat(ctx context.Context, buildID string, counter StatCounter) error

	// Stats returns the rollout counters for a build.
	Stats(ctx context.Context, buildID string) (*models.DeployStats, error)
}

type buildStore struct {
	db     *database.DB
	logger *slog.Logger
}

// NewBuildStore creates a build store.
func NewBuildStore(db *database.DB) BuildStore {
	return &buildStore{
		db:     db,
		logger: slog.Default().With("component", "build-store"),
	}
}

const buildColumns = `id, package_name, version_code, version_name, sha256,
	signer_fingerprint, storage_url, is_current, staged_rollout_pct, wifi_only,
	must_install, rollback_from_build_id, promoted_at, promoted_by, created_at`

func scanBuild(row interface{ Scan(...any) error }) (*models.Build, error) {
	b := &models.Build{}
	err := row.Scan(&b.ID, &b.PackageName, &b.VersionCode, &b.VersionName,
		&b.SHA256, &b.SignerFingerprint, &b.StorageURL, &b.IsCurrent,
		&b.StagedRolloutPct, &b.WifiOnly, &b.MustInstall, &b.RollbackFromBuildID,
		&b.PromotedAt, &b.PromotedBy, &b.CreatedAt)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *buildStore) Create(ctx context.Context, b *models.Build) error {
	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO agent_builds (id, package_name, version_code, version_name,
				sha256, signer_fingerprint, storage_url, staged_rollout_pct,
				wifi_only, must_install)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			b.ID, b.PackageName, b.VersionCode, b.VersionName, b.SHA256,
			b.SignerFingerprint, b.StorageURL, b.StagedRolloutPct,
			b.WifiOnly, b.MustInstall); err != nil {
			if isUniqueViolation(err) {
				return fault.Newf(fault.CodeConflict, "build %s already exists", b.ID)
			}
			return fault.Wrap(err, fault.CodeInternal, "failed to create build")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO build_deploy_stats (build_id) VALUES ($1)`, b.ID); err != nil {
			return fault.Wrap(err, fault.CodeInternal, "failed to create build stats")
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("Build registered",
		"build_id", b.ID, "package", b.PackageName, "version_code", b.VersionCode)
	return nil
}

func (s *buildStore) Get(ctx context.Context, id string) (*models.Build, error) {
	b, err := scanBuild(s.db.QueryRowContext(ctx,
		`SELECT `+buildColumns+` FROM agent_builds WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, fault.Newf(fault.CodeNotFound, "build %s not found", id)
	}
	if err != nil {
		return nil, fault.Wrap(err, fault.CodeInternal, "failed to get build")
	}
	return b, nil
}

func (s *buildStore) Current(ctx context.Context, packageName string) (*models.Build, error) {
	b, err := scanBuild(s.db.QueryRowContext(ctx,
		`SELECT `+buildColumns+` FROM agent_builds
		 WHERE package_name = $1 AND is_current`, packageName))
	if err == sql.ErrNoRows {
		return nil, fault.Newf(fault.CodeNotFound, "no current build for %s", packageName)
	}
	if err != nil {
		return nil, fault.Wrap(err, fault.CodeInternal, "failed to get current build")
	}
	return b, nil
}

func (s *buildStore) List(ctx context.Context, packageName string, limit int) ([]*models.Build, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+buildColumns+` FROM agent_builds
		 WHERE package_name = $1 ORDER BY version_code DESC LIMIT $2`,
		packageName, limit)
	if err != nil {
		return nil, fault.Wrap(err, fault.CodeInternal, "failed to list builds")
	}
	defer rows.Close()

	var out []*models.Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, fault.Wrap(err, fault.CodeDataIntegrity, "failed to scan build row")
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Promote demotes the old current build and flips the new one in a
// single transaction; a manifest check sees exactly one current build.
func (s *buildStore) Promote(ctx context.Context, buildID string, rolloutPct int, wifiOnly, mustInstall bool, promotedBy string, now time.Time) error {
	if rolloutPct < 0 || rolloutPct > 100 {
		return fault.Newf(fault.CodeValidation, "rollout percent %d out of range", rolloutPct)
	}

	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		var packageName string
		err := tx.QueryRowContext(ctx,
			`SELECT package_name FROM agent_builds WHERE id = $1 FOR UPDATE`,
			buildID).Scan(&packageName)
		if err == sql.ErrNoRows {
			return fault.Newf(fault.CodeNotFound, "build %s not found", buildID)
		}
		if err != nil {
			return fault.Wrap(err, fault.CodeInternal, "failed to lock build")
		}

		// Demote whatever is current and remember it; the promoted row
		// records it as the rollback target. Re-promoting the already
		// current build matches nothing and keeps its recorded target.
		var previousID sql.NullString
		err = tx.QueryRowContext(ctx,
			`UPDATE agent_builds SET is_current = FALSE
			 WHERE package_name = $1 AND is_current AND id <> $2
			 RETURNING id`, packageName, buildID).Scan(&previousID.String)
		if err != nil && err != sql.ErrNoRows {
			return fault.Wrap(err, fault.CodeInternal, "failed to demote current build")
		}
		previousID.Valid = err == nil

		if _, err := tx.ExecContext(ctx,
			`UPDATE agent_builds SET is_current = TRUE, staged_rollout_pct = $2,
				wifi_only = $3, must_install = $4, promoted_at = $5, promoted_by = $6,
				rollback_from_build_id = COALESCE($7, rollback_from_build_id)
			 WHERE id = $1`,
			buildID, rolloutPct, wifiOnly, mustInstall, now.UTC(), promotedBy,
			previousID); err != nil {
			return fault.Wrap(err, fault.CodeInternal, "failed to promote build")
		}

		s.logger.Info("Build promoted",
			"build_id", buildID, "package", packageName,
			"rollout_pct", rolloutPct, "promoted_by", promotedBy)
		return nil
	})
}

func (s *buildStore) SetRolloutPct(ctx context.Context, buildID string, pct int) error {
	if pct < 0 || pct > 100 {
		return fault.Newf(fault.CodeValidation, "rollout percent %d out of range", pct)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_builds SET staged_rollout_pct = $2 WHERE id = $1 AND is_current`,
		buildID, pct)
	if err != nil {
		return fault.Wrap(err, fault.CodeInternal, "failed to set rollout percent")
	}
	return requireRowAffected(res, "current build", buildID)
}

// Rollback promotes targetID at the operator-selected percentage,
// recording the build it rolls back from.
func (s *buildStore) Rollback(ctx context.Context, fromID, targetID string, pct int, mustInstall bool, promotedBy string, now time.Time) error {
	if pct < 0 || pct > 100 {
		return fault.Newf(fault.CodeValidation, "rollout percent %d out of range", pct)
	}

	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		var packageName string
		err := tx.QueryRowContext(ctx,
			`SELECT package_name FROM agent_builds WHERE id = $1 FOR UPDATE`,
			targetID).Scan(&packageName)
		if err == sql.ErrNoRows {
			return fault.Newf(fault.CodeNotFound, "build %s not found", targetID)
		}
		if err != nil {
			return fault.Wrap(err, fault.CodeInternal, "failed to lock rollback target")
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE agent_builds SET is_current = FALSE
			 WHERE package_name = $1 AND is_current`, packageName); err != nil {
			return fault.Wrap(err, fault.CodeInternal, "failed to demote current build")
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE agent_builds SET is_current = TRUE, staged_rollout_pct = $3,
				must_install = $4, rollback_from_build_id = $2, promoted_at = $5,
				promoted_by = $6
			 WHERE id = $1`,
			targetID, fromID, pct, mustInstall, now.UTC(), promotedBy); err != nil {
			return fault.Wrap(err, fault.CodeInternal, "failed to promote rollback target")
		}

		s.logger.Warn("Build rollback executed",
			"from", fromID, "to", targetID, "rollout_pct", pct, "promoted_by", promotedBy)
		return nil
	})
}

func (s *buildStore) BumpStat(ctx context.Context, buildID string, counter StatCounter) error {
	if !validCounters[counter] {
		return fault.Newf(fault.CodeValidation, "unknown stat counter %q", counter)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE build_deploy_stats SET `+string(counter)+` = `+string(counter)+` + 1
		 WHERE build_id = $1`, buildID)
	if err != nil {
		return fault.Wrap(err, fault.CodeInternal, "failed to bump build stat")
	}
	return nil
}

func (s *buildStore) Stats(ctx context.Context, buildID string) (*models.DeployStats, error) {
	st := &models.DeployStats{}
	err := s.db.QueryRowContext(ctx,
		`SELECT build_id, total_checks, total_eligible, total_downloads,
			installs_success, installs_failed, verify_failed
		 FROM build_deploy_stats WHERE build_id = $1`, buildID).
		Scan(&st.BuildID, &st.TotalChecks, &st.TotalEligible, &st.TotalDownloads,
			&st.InstallsOK, &st.InstallsFailed, &st.VerifyFailed)
	if err == sql.ErrNoRows {
		return nil, fault.Newf(fault.CodeNotFound, "no stats for build %s", buildID)
	}
	if err != nil {
		return nil, fault.Wrap(err, fault.CodeInternal, "failed to get build stats")
	}
	return st, nil
}
