package driftctlcmd

import (
	"encoding/json"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v2"

	mbp "go.driftlog.dev/core/mainboilerplate"
	"go.driftlog.dev/core/statestore"
)

type cmdTablesList struct {
	ListConfig
}

// AddCmdTablesList adds the "tables list" sub-command.
func AddCmdTablesList(cmd *flags.Command) error {
	var _, err = cmd.AddCommand("list", "List tracked tables", `
List change-tracked tables and their retention windows.
`, &cmdTablesList{})
	return err
}

func (cmd *cmdTablesList) Execute([]string) error {
	startup()

	var snap, err = loadSnapshot()
	mbp.Must(err, "failed to load state snapshot")

	switch cmd.Format {
	case "table":
		cmd.outputTable(snap.Tables)
	case "yaml":
		mbp.Must(yaml.NewEncoder(os.Stdout).Encode(snap.Tables), "failed to encode to yaml")
	case "json":
		mbp.Must(json.NewEncoder(os.Stdout).Encode(snap.Tables), "failed to encode to json")
	}
	return nil
}

func (cmd *cmdTablesList) outputTable(tables []statestore.TableRecord) {
	var table = tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Table", "Retention"})

	for _, t := range tables {
		var retention = "default"
		if t.Retention != 0 {
			retention = t.Retention.Round(time.Second).String()
		}
		table.Append([]string{string(t.Table), retention})
	}
	table.Render()
}
