package flags

import (
	"gopkg.in/urfave/cli.v1"
)

// NodeFlags holds knobs specific to the local node instance.
func NodeFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{
			Name:  "identity",
			Usage: "Custom node name used in logs",
		},
		cli.StringFlag{
			Name:  "genesis",
			Usage: "Genesis YAML file",
		},
		cli.StringFlag{
			Name:  "preset",
			Usage: "Runtime preset (lite|full|archive|default)",
			Value: "default",
		},
		cli.UintFlag{
			Name:  "validator.id",
			Usage: "Local validator ID; 0 runs an observer",
		},
		cli.StringFlag{
			Name:  "validator.key",
			Usage: "File holding the hex encoded validator private key",
		},
		cli.IntFlag{
			Name:  "workers",
			Usage: "Number of block validation workers",
			Value: 4,
		},
		cli.IntFlag{
			Name:  "cache",
			Usage: "Megabytes of memory allocated to the database cache",
			Value: 1024,
		},
	}
}

// DevnetFlags configure the in-process development network.
func DevnetFlags() []cli.Flag {
	return []cli.Flag{
		cli.IntFlag{
			Name:  "devnet.authorities",
			Usage: "Number of authority validators",
			Value: 4,
		},
		cli.IntFlag{
			Name:  "devnet.stakers",
			Usage: "Number of staker validators",
			Value: 0,
		},
		cli.Uint64Flag{
			Name:  "devnet.stake",
			Usage: "Bond of every staker validator",
			Value: 2000,
		},
		cli.DurationFlag{
			Name:  "devnet.duration",
			Usage: "Stop the network after this long (0 runs until interrupted)",
		},
		cli.StringSliceFlag{
			Name:  "devnet.silent",
			Usage: "Validator IDs that neither send nor receive",
		},
	}
}
