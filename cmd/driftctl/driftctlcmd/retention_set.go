package driftctlcmd

import (
	"fmt"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"

	"go.driftlog.dev/core/changelog"
	mbp "go.driftlog.dev/core/mainboilerplate"
	"go.driftlog.dev/core/retention"
)

type cmdRetentionSet struct {
	Table  string        `long:"table" required:"true" description:"Tracked table to update"`
	Window time.Duration `long:"window" required:"true" description:"Retention window, eg 24h or 168h"`
}

// AddCmdRetentionSet adds the "retention set" sub-command.
func AddCmdRetentionSet(cmd *flags.Command) error {
	var _, err = cmd.AddCommand("set", "Set a table's retention window", `
Update the retention window of a tracked table in the state snapshot.
The new window takes effect when the engine next restores state.
`, &cmdRetentionSet{})
	return err
}

func (cmd *cmdRetentionSet) Execute([]string) error {
	startup()

	if cmd.Window < 0 || cmd.Window > retention.DefaultMaxWindow {
		return errors.WithMessagef(retention.ErrInvalidRetention,
			"window %s of table %s", cmd.Window, cmd.Table)
	}

	var store, cleanup, err = openStore()
	mbp.Must(err, "failed to open state store")
	defer cleanup()

	snap, err := store.Load()
	mbp.Must(err, "failed to load state snapshot")

	var updated bool
	for i := range snap.Tables {
		if snap.Tables[i].Table == changelog.Table(cmd.Table) {
			snap.Tables[i].Retention = cmd.Window
			updated = true
		}
	}
	if !updated {
		return errors.Errorf("table %s is not tracked in the state snapshot", cmd.Table)
	}
	snap.TakenAt = time.Now()

	mbp.Must(store.Save(snap), "failed to save state snapshot")
	fmt.Printf("Set retention of table %s to %s.\n", cmd.Table, cmd.Window)
	return nil
}
