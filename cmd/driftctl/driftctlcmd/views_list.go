package driftctlcmd

import (
	"encoding/json"
	"os"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"
	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v2"

	mbp "go.driftlog.dev/core/mainboilerplate"
	"go.driftlog.dev/core/statestore"
)

type cmdViewsList struct {
	ListConfig
}

// AddCmdViewsList adds the "views list" sub-command.
func AddCmdViewsList(cmd *flags.Command) error {
	var _, err = cmd.AddCommand("list", "List materialized views", `
List declared materializations with their target lags, refresh modes,
and last refresh times.
`, &cmdViewsList{})
	return err
}

func (cmd *cmdViewsList) Execute([]string) error {
	startup()

	var snap, err = loadSnapshot()
	mbp.Must(err, "failed to load state snapshot")

	switch cmd.Format {
	case "table":
		cmd.outputTable(snap.Specs)
	case "yaml":
		mbp.Must(yaml.NewEncoder(os.Stdout).Encode(snap.Specs), "failed to encode to yaml")
	case "json":
		mbp.Must(json.NewEncoder(os.Stdout).Encode(snap.Specs), "failed to encode to json")
	}
	return nil
}

func (cmd *cmdViewsList) outputTable(specs []statestore.SpecRecord) {
	var table = tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Target", "Lag", "Refresh", "Last Refreshed"})

	for _, s := range specs {
		var lag = s.Lag.Round(time.Second).String()
		if s.DownstreamLag {
			lag = "downstream"
		}
		var refreshed = "never"
		if !s.LastRefreshedAt.IsZero() {
			refreshed = humanize.Time(s.LastRefreshedAt)
		}
		table.Append([]string{string(s.Target), lag, s.RefreshMode.String(), refreshed})
	}
	table.Render()
}
