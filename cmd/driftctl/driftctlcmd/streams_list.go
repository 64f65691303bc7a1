package driftctlcmd

import (
	"encoding/json"
	"fmt"
	"os"

	humanize "github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"
	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v2"

	mbp "go.driftlog.dev/core/mainboilerplate"
	"go.driftlog.dev/core/statestore"
)

type cmdStreamsList struct {
	ListConfig
	Table string `long:"table" description:"Show only cursors of this table"`
}

// AddCmdStreamsList adds the "streams list" sub-command.
func AddCmdStreamsList(cmd *flags.Command) error {
	var _, err = cmd.AddCommand("list", "List stream cursors", `
List stream cursors and their consumed positions.

Results can be output in a variety of --format options:
table: Prints a table of cursors with positions and consumption ages
yaml:  Prints cursor records in YAML form
json:  Prints cursor records encoded as JSON
`, &cmdStreamsList{})
	return err
}

func (cmd *cmdStreamsList) Execute([]string) error {
	startup()

	var snap, err = loadSnapshot()
	mbp.Must(err, "failed to load state snapshot")

	var cursors = snap.Cursors
	if cmd.Table != "" {
		var kept = cursors[:0]
		for _, c := range cursors {
			if string(c.Table) == cmd.Table {
				kept = append(kept, c)
			}
		}
		cursors = kept
	}

	switch cmd.Format {
	case "table":
		cmd.outputTable(cursors)
	case "yaml":
		mbp.Must(yaml.NewEncoder(os.Stdout).Encode(cursors), "failed to encode to yaml")
	case "json":
		mbp.Must(json.NewEncoder(os.Stdout).Encode(cursors), "failed to encode to json")
	}
	return nil
}

func (cmd *cmdStreamsList) outputTable(cursors []statestore.CursorRecord) {
	var table = tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Table", "Mode", "Position", "Last Consumed", "Stale"})

	for _, c := range cursors {
		table.Append([]string{
			c.ID,
			string(c.Table),
			c.Mode.String(),
			fmt.Sprintf("%d", c.Position),
			humanize.Time(c.LastConsumedAt),
			fmt.Sprintf("%t", c.Stale),
		})
	}
	table.Render()
}
