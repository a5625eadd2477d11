package credentials

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/stavrobot/coder/internal/observability"
)

// Custodian provisions credentials into plugin workspaces and tears them
// down again once the task is finished.
type Custodian struct {
	logger *observability.Logger
	store  Store
}

// NewCustodian creates a new credential Custodian.
func NewCustodian(store Store, logger *observability.Logger) *Custodian {
	return &Custodian{
		logger: logger.With("component", "credentials"),
		store:  store,
	}
}

// Provision copies the shared credential into the workspace and hands
// ownership to the task's uid and gid. A pre-existing symlink at the
// credential path could redirect the copy to an attacker-chosen location,
// so the link is removed, never followed, and a real directory takes its
// place. Failure to read the shared credential or to fix ownership aborts
// the task.
func (c *Custodian) Provision(workspace string, uid, gid uint32) error {
	dir := filepath.Join(workspace, CredentialDirName)

	if info, err := os.Lstat(dir); err == nil && info.Mode()&os.ModeSymlink != 0 {
		c.logger.Warn("removing symlink at credential path", "dir", dir)
		if err := os.Remove(dir); err != nil {
			return fmt.Errorf("remove credential symlink: %w", err)
		}
	}
	if err := os.MkdirAll(dir, credentialDirMode); err != nil {
		return fmt.Errorf("create credential directory: %w", err)
	}

	data, err := c.store.Load()
	if err != nil {
		return fmt.Errorf("read shared credential: %w", err)
	}

	file := filepath.Join(dir, CredentialFileName)
	if err := os.WriteFile(file, data, credentialFileMode); err != nil {
		return fmt.Errorf("write workspace credential: %w", err)
	}

	if err := os.Chown(dir, int(uid), int(gid)); err != nil {
		return fmt.Errorf("chown credential directory: %w", err)
	}
	if err := os.Chown(file, int(uid), int(gid)); err != nil {
		return fmt.Errorf("chown workspace credential: %w", err)
	}
	if err := os.Chmod(dir, credentialDirMode); err != nil {
		return fmt.Errorf("chmod credential directory: %w", err)
	}
	if err := os.Chmod(file, credentialFileMode); err != nil {
		return fmt.Errorf("chmod workspace credential: %w", err)
	}

	return nil
}

// Teardown removes the workspace credential directory. If the agent
// refreshed the credential during execution the new file is copied back to
// the shared location first. If the directory was swapped for a symlink mid
// task only the link itself is removed. Teardown never fails the task;
// problems are logged and swallowed.
func (c *Custodian) Teardown(workspace string) {
	dir := filepath.Join(workspace, CredentialDirName)

	info, err := os.Lstat(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("credential teardown skipped", "dir", dir, "error", err)
		}
		return
	}

	if info.Mode()&os.ModeSymlink != 0 {
		if err := os.Remove(dir); err != nil {
			c.logger.Warn("credential symlink not removed", "dir", dir, "error", err)
		}
		return
	}

	file := filepath.Join(dir, CredentialFileName)
	if data, err := os.ReadFile(file); err == nil {
		if err := c.store.Save(data); err != nil {
			c.logger.Warn("refreshed credential not persisted", "error", err)
		}
	}

	if err := os.RemoveAll(dir); err != nil {
		c.logger.Warn("credential directory not fully removed", "dir", dir, "error", err)
	}
}
