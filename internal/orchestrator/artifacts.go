package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"conductor/internal/job"
	"conductor/internal/logging"
	"conductor/internal/services"
	"conductor/internal/stage"
)

// ArtifactPath returns where a stage artifact of a job is stored.
func (o *Orchestrator) ArtifactPath(jobID string, st job.Stage) string {
	return filepath.Join(o.cfg.Paths.ArtifactDir, jobID, string(st)+".bin")
}

// fetchArtifact streams the remote artifact to a temporary file and renames
// it into place, so a partial download never appears under the final name.
func (o *Orchestrator) fetchArtifact(ctx context.Context, client stage.Client, jobID string, st job.Stage, remoteID string) (string, error) {
	target := o.ArtifactPath(jobID, st)
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", services.Wrap(services.KindInternal, string(st), "store artifact", "create artifact dir", err)
	}
	tmp, err := os.CreateTemp(dir, string(st)+"-*.part")
	if err != nil {
		return "", services.Wrap(services.KindInternal, string(st), "store artifact", "create temp file", err)
	}
	tmpPath := tmp.Name()

	written, fetchErr := client.FetchArtifact(ctx, remoteID, tmp)
	closeErr := tmp.Close()
	if fetchErr != nil {
		_ = os.Remove(tmpPath)
		return "", fetchErr
	}
	if closeErr != nil {
		_ = os.Remove(tmpPath)
		return "", services.Wrap(services.KindInternal, string(st), "store artifact", "close temp file", closeErr)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		_ = os.Remove(tmpPath)
		return "", services.Wrap(services.KindInternal, string(st), "store artifact", fmt.Sprintf("rename to %s", target), err)
	}

	logging.WithContext(ctx, o.logger).Debug("artifact stored",
		logging.String("path", target),
		logging.Int64("bytes", written),
	)
	return target, nil
}
