package root

import (
	"fmt"

	"github.com/stitchcli/stitch/pkg/config"
	"github.com/stitchcli/stitch/pkg/history"
)

// openStore opens the local session mirror backed by the given remote.
func openStore(cfg *config.Config, remote history.Remote) (history.Store, error) {
	if cfg.DBPath == ":memory:" {
		return history.NewInMemoryStore(remote), nil
	}
	path, err := cfg.ResolveDBPath()
	if err != nil {
		return nil, err
	}
	store, err := history.NewSQLiteStore(path, remote)
	if err != nil {
		return nil, fmt.Errorf("opening session mirror at %s: %w", path, err)
	}
	return store, nil
}
