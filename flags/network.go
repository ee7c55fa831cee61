package flags

import (
	"gopkg.in/urfave/cli.v1"
)

// NetworkFlags covers P2P and networking configuration.
func NetworkFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{
			Name:  "addr",
			Usage: "P2P listening interface",
			Value: "0.0.0.0",
		},
		cli.IntFlag{
			Name:  "port",
			Usage: "P2P networking port",
			Value: 5050,
		},
		cli.StringFlag{
			Name:  "bootnodes",
			Usage: "Comma-separated multiaddrs of bootstrap peers",
		},
		cli.StringFlag{
			Name:  "nodekey",
			Usage: "P2P identity key file (defaults to <datadir>/nodekey)",
		},
	}
}

// TxPoolFlags isolates transaction-pool tuning knobs.
func TxPoolFlags() []cli.Flag {
	return []cli.Flag{
		cli.IntFlag{
			Name:  "txpool.size",
			Usage: "Maximum number of pending transactions",
			Value: 65536,
		},
	}
}
