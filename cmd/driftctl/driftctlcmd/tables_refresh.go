package driftctlcmd

import (
	"fmt"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"

	"go.driftlog.dev/core/changelog"
	mbp "go.driftlog.dev/core/mainboilerplate"
)

type cmdTablesRefresh struct {
	Table string `long:"table" required:"true" description:"Materialization target to mark for refresh"`
}

// AddCmdTablesRefresh adds the "tables refresh" sub-command.
func AddCmdTablesRefresh(cmd *flags.Command) error {
	var _, err = cmd.AddCommand("refresh", "Mark a materialization for refresh", `
Clear the recorded last-refreshed time of a materialization target, so
that its target lag is considered exceeded as soon as the engine next
restores state and its sources have advanced.
`, &cmdTablesRefresh{})
	return err
}

func (cmd *cmdTablesRefresh) Execute([]string) error {
	startup()

	var store, cleanup, err = openStore()
	mbp.Must(err, "failed to open state store")
	defer cleanup()

	snap, err := store.Load()
	mbp.Must(err, "failed to load state snapshot")

	var updated bool
	for i := range snap.Specs {
		if snap.Specs[i].Target == changelog.Table(cmd.Table) {
			snap.Specs[i].LastRefreshedAt = time.Time{}
			updated = true
		}
	}
	if !updated {
		return errors.Errorf("no materialization targets table %s", cmd.Table)
	}
	snap.TakenAt = time.Now()

	mbp.Must(store.Save(snap), "failed to save state snapshot")
	fmt.Printf("Marked %s for refresh.\n", cmd.Table)
	return nil
}
