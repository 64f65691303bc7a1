package main

import (
	"github.com/jessevdk/go-flags"

	"go.driftlog.dev/core/cmd/driftctl/driftctlcmd"
	mbp "go.driftlog.dev/core/mainboilerplate"
)

const iniFilename = "driftctl.ini"

func main() {
	var parser = flags.NewParser(driftctlcmd.Config, flags.Default)

	parser.LongDescription = `driftctl is a tool for inspecting driftlog state snapshots.

	See --help pages of each sub-command for documentation and usage examples.
	Optionally configure driftctl with a '` + iniFilename + `' file in the current working directory,
	or with '~/.config/driftlog/` + iniFilename + `'.
	`

	var tables = mustAddCmd(parser.Command, "tables", "Interact with tracked tables", "")
	var streams = mustAddCmd(parser.Command, "streams", "Interact with stream cursors", "")
	var views = mustAddCmd(parser.Command, "views", "Interact with materialized views", "")
	var retention = mustAddCmd(parser.Command, "retention", "Interact with retention windows", "")

	mbp.Must(driftctlcmd.AddCmdTablesList(tables), "could not add tables list subcommand")
	mbp.Must(driftctlcmd.AddCmdTablesRefresh(tables), "could not add tables refresh subcommand")
	mbp.Must(driftctlcmd.AddCmdStreamsList(streams), "could not add streams list subcommand")
	mbp.Must(driftctlcmd.AddCmdViewsList(views), "could not add views list subcommand")
	mbp.Must(driftctlcmd.AddCmdRetentionSet(retention), "could not add retention set subcommand")

	mbp.MustParseConfig(parser, iniFilename)
}

func mustAddCmd(cmd *flags.Command, name, short, long string) *flags.Command {
	cmd, err := cmd.AddCommand(name, short, long, &struct{}{})
	mbp.Must(err, "failed to add command")
	return cmd
}
