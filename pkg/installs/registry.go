// Package installs applies GitHub App installation lifecycle events to the
// plugin registry. Every operation is an idempotent set update: GitHub
// delivers webhooks at least once, so applying an event twice must land on
// the same end state. Plugin rows themselves are never deleted here.
package installs

import (
	"context"
	"fmt"
	"log"

	"pluginhub/pkg/storage"
)

// Registry binds and unbinds installation ids on plugins.
type Registry struct {
	plugins storage.PluginStore
	logger  *log.Logger
}

// NewRegistry constructs a Registry.
func NewRegistry(plugins storage.PluginStore, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{plugins: plugins, logger: logger}
}

// InstallationCreated binds the installation to every plugin whose linked
// repository is in the installation's grant.
func (r *Registry) InstallationCreated(ctx context.Context, installationID int64, repoIDs []int64) error {
	if installationID == 0 {
		return nil
	}
	if err := r.plugins.SetInstallationForRepos(ctx, repoIDs, installationID); err != nil {
		return fmt.Errorf("bind installation %d: %w", installationID, err)
	}
	r.logger.Printf("installation %d created, %d repos granted", installationID, len(repoIDs))
	return nil
}

// InstallationDeleted clears the binding from every plugin referencing the
// installation.
func (r *Registry) InstallationDeleted(ctx context.Context, installationID int64) error {
	if installationID == 0 {
		return nil
	}
	if err := r.plugins.ClearInstallation(ctx, installationID); err != nil {
		return fmt.Errorf("clear installation %d: %w", installationID, err)
	}
	r.logger.Printf("installation %d deleted, bindings cleared", installationID)
	return nil
}

// RepositoriesAdded binds the installation to plugins for repositories
// newly added to its grant.
func (r *Registry) RepositoriesAdded(ctx context.Context, installationID int64, repoIDs []int64) error {
	if installationID == 0 || len(repoIDs) == 0 {
		return nil
	}
	if err := r.plugins.SetInstallationForRepos(ctx, repoIDs, installationID); err != nil {
		return fmt.Errorf("bind repos to installation %d: %w", installationID, err)
	}
	return nil
}

// RepositoriesRemoved clears the binding from plugins whose repository was
// taken out of the grant.
func (r *Registry) RepositoriesRemoved(ctx context.Context, installationID int64, repoIDs []int64) error {
	if installationID == 0 || len(repoIDs) == 0 {
		return nil
	}
	if err := r.plugins.ClearInstallationForRepos(ctx, repoIDs, installationID); err != nil {
		return fmt.Errorf("unbind repos from installation %d: %w", installationID, err)
	}
	return nil
}
