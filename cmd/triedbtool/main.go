// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

// Command triedbtool opens and exercises a triedb database from the
// command line.
//
// Run using
//
//	go run ./cmd/triedbtool <command> <flags> <db directory>
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

var allowGCFlag = &cli.BoolFlag{
	Name:  "allow-gc-recovery",
	Usage: "permit opening for write while a mark-and-sweep pass was interrupted by the previous process",
	Value: false,
}

var regionSizeFlag = &cli.Uint64Flag{
	Name:  "region-size",
	Usage: "initial region payload size in bytes, used only when creating a new database",
	Value: 0,
}

func main() {
	app := &cli.App{
		Name:      "triedbtool",
		Usage:     "triedb inspection and benchmarking toolbox",
		Copyright: "(c) 2025 Sonic Operations Ltd",
		Commands: []*cli.Command{
			&StatsCmd,
			&GetCmd,
			&PutCmd,
			&DelCmd,
			&ScanCmd,
			&GCCmd,
			&BenchmarkCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
