package jobdirs

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/folio/internal/interfaces"
	"github.com/ternarybob/folio/internal/models"
)

// Names that become path segments: tenants, job ids and artifact file names
var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Manager lays out job directories as <root>/<tenant>/<job_id>/artifacts.
// Exactly one worker owns a job id at a time, so no locking is needed.
type Manager struct {
	root      string
	apiPrefix string
	logger    arbor.ILogger
}

var _ interfaces.JobStore = (*Manager)(nil)

// NewManager creates a directory manager rooted at root.
// apiPrefix is prepended to artifact hrefs (e.g. "/api").
func NewManager(root, apiPrefix string, logger arbor.ILogger) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("jobs directory is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve jobs directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create jobs directory: %w", err)
	}
	return &Manager{
		root:      abs,
		apiPrefix: strings.TrimRight(apiPrefix, "/"),
		logger:    logger,
	}, nil
}

// Root returns the absolute jobs directory
func (m *Manager) Root() string {
	return m.root
}

// EnsureTenant creates the tenant directory. Idempotent.
func (m *Manager) EnsureTenant(tenant string) error {
	if err := validSegment("tenant", tenant); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(m.root, tenant), 0755); err != nil {
		return fmt.Errorf("failed to create tenant directory: %w", err)
	}
	return nil
}

// JobDirs returns (and creates on first call) the job's root and artifacts directories
func (m *Manager) JobDirs(tenant, jobID string) (models.JobDirs, error) {
	if err := validSegment("tenant", tenant); err != nil {
		return models.JobDirs{}, err
	}
	if err := validSegment("job_id", jobID); err != nil {
		return models.JobDirs{}, err
	}

	root := filepath.Join(m.root, tenant, jobID)
	dirs := models.JobDirs{
		Root:      root,
		Artifacts: filepath.Join(root, "artifacts"),
	}
	if err := os.MkdirAll(dirs.Artifacts, 0755); err != nil {
		return models.JobDirs{}, fmt.Errorf("failed to create job directories: %w", err)
	}

	m.logger.Debug().
		Str("tenant", tenant).
		Str("job_id", jobID).
		Str("path", dirs.Artifacts).
		Msg("Job directories ready")

	return dirs, nil
}

// ListArtifacts scans the job's artifacts directory. A job with no directory has no artifacts.
func (m *Manager) ListArtifacts(tenant, jobID string) ([]models.Artifact, error) {
	if err := validSegment("tenant", tenant); err != nil {
		return nil, err
	}
	if err := validSegment("job_id", jobID); err != nil {
		return nil, err
	}

	dir := filepath.Join(m.root, tenant, jobID, "artifacts")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return []models.Artifact{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read artifacts directory: %w", err)
	}

	artifacts := make([]models.Artifact, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue // removed mid-scan
		}
		name := entry.Name()
		artifacts = append(artifacts, models.Artifact{
			ID:     strings.TrimSuffix(name, filepath.Ext(name)),
			Label:  name,
			Status: models.ArtifactReady,
			Href:   m.ArtifactHref(jobID, name),
			Bytes:  info.Size(),
		})
	}
	return artifacts, nil
}

// ArtifactPath resolves a download request to a file inside the job's artifacts directory
func (m *Manager) ArtifactPath(tenant, jobID, filename string) (string, error) {
	if err := validSegment("tenant", tenant); err != nil {
		return "", err
	}
	if err := validSegment("job_id", jobID); err != nil {
		return "", err
	}
	if err := validSegment("filename", filename); err != nil {
		return "", models.ErrArtifactNotFound
	}

	p := filepath.Join(m.root, tenant, jobID, "artifacts", filename)
	info, err := os.Stat(p)
	if err != nil || info.IsDir() {
		return "", models.ErrArtifactNotFound
	}
	return p, nil
}

// ArtifactHref is the download path of an artifact
func (m *Manager) ArtifactHref(jobID, filename string) string {
	return path.Join(m.apiPrefix+"/exports", jobID, filename)
}

func validSegment(field, value string) error {
	if !segmentPattern.MatchString(value) || strings.Contains(value, "..") {
		return &models.ValidationError{Fields: []string{fmt.Sprintf("%s: invalid value %q", field, value)}}
	}
	return nil
}
