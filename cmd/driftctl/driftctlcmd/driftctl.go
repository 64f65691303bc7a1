// Package driftctlcmd implements the driftctl sub-commands. driftctl
// inspects a driftlog state snapshot: tracked tables and their retention
// windows, stream cursors, and declared materializations.
package driftctlcmd

import (
	"github.com/spf13/afero"

	mbp "go.driftlog.dev/core/mainboilerplate"
	"go.driftlog.dev/core/statestore"
)

// BaseConfig is the top-level configuration object of driftctl.
type BaseConfig struct {
	Log mbp.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`

	StateDir string `long:"state-dir" env:"STATE_DIR" default:"." description:"Directory holding the engine's JSON state snapshot"`
	StateDB  string `long:"state-db" env:"STATE_DB" description:"Path of a SQLite state database. Takes precedence over --state-dir if set"`
}

// ListConfig is common configuration of list sub-commands.
type ListConfig struct {
	Format string `long:"format" choice:"table" choice:"yaml" choice:"json" default:"table" description:"Output format"`
}

// Config is the driftctl configuration shared by all sub-commands.
var Config = new(BaseConfig)

// startup initializes logging.
func startup() {
	mbp.InitLog(Config.Log)
}

// openStore opens the configured state store. The returned cleanup must
// be called when done with it.
func openStore() (statestore.Store, func(), error) {
	if Config.StateDB != "" {
		var s, err = statestore.NewSQLiteStore(Config.StateDB)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	}
	var s, err = statestore.NewJSONFileStore(afero.NewOsFs(), Config.StateDir)
	if err != nil {
		return nil, nil, err
	}
	return s, func() {}, nil
}

// loadSnapshot opens the configured state store and loads its Snapshot.
func loadSnapshot() (statestore.Snapshot, error) {
	var store, cleanup, err = openStore()
	if err != nil {
		return statestore.Snapshot{}, err
	}
	defer cleanup()

	return store.Load()
}
