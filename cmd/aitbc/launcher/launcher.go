// Package launcher is the aitbc command line: it turns flags and config
// files into a running node, a local development network or generated
// genesis files.
package launcher

import (
	"gopkg.in/urfave/cli.v1"

	"github.com/oib/aitbc-chain/flags"
)

// set via -ldflags
var gitCommit = ""

var app = flags.NewApp(gitCommit, "hybrid authority/stake consensus node")

func nodeFlags() []cli.Flag {
	var all []cli.Flag
	all = append(all, flags.CommonFlags()...)
	all = append(all, flags.NetworkFlags()...)
	all = append(all, flags.TxPoolFlags()...)
	all = append(all, flags.NodeFlags()...)
	return all
}

func init() {
	app.Flags = nodeFlags()
	app.Action = runNode
	app.Commands = []cli.Command{
		{
			Name:      "devnet",
			Usage:     "Run a development network of validators in this process",
			Action:    runDevnet,
			Flags:     append(flags.DevnetFlags(), flags.CommonFlags()...),
			ArgsUsage: " ",
		},
		{
			Name:      "genesis",
			Usage:     "Write a fake genesis file and its validator keys",
			Action:    writeGenesis,
			ArgsUsage: "<dir>",
			Flags: append(flags.DevnetFlags(),
				cli.DurationFlag{
					Name:  "genesis.delay",
					Usage: "Time from now until the genesis slot",
					Value: 0,
				},
			),
		},
		{
			Name:      "dumpconfig",
			Usage:     "Show configuration values",
			ArgsUsage: "[file]",
			Action:    dumpConfig,
			Flags:     nodeFlags(),
		},
	}
}

// Launch runs the command line on args.
func Launch(args []string) error {
	return app.Run(args)
}
