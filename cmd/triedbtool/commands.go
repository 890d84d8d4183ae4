// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package main

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/0xsoniclabs/triedb"
)

func openDB(ctx *cli.Context, readOnly bool) (*triedb.Database, string, error) {
	if ctx.Args().Len() < 1 {
		return nil, "", fmt.Errorf("missing database directory argument")
	}
	path := ctx.Args().Get(0)
	db, err := triedb.Open(path, triedb.Options{
		ReadOnly:        readOnly,
		AllowGCRecovery: ctx.Bool(allowGCFlag.Name),
		RegionSize:      ctx.Uint64(regionSizeFlag.Name),
	})
	return db, path, err
}

var StatsCmd = cli.Command{
	Action:    doStats,
	Name:      "stats",
	Usage:     "print directory and region occupancy",
	ArgsUsage: "<db directory>",
	Flags:     []cli.Flag{allowGCFlag, regionSizeFlag},
}

func doStats(ctx *cli.Context) error {
	db, path, err := openDB(ctx, true)
	if err != nil {
		return err
	}
	defer db.Close()
	fmt.Printf("%s: root=%d %s\n", path, db.GetRootRevision(), db.Stats())
	fmt.Print(db.GetMemoryFootprint())
	return nil
}

var GetCmd = cli.Command{
	Action:    doGet,
	Name:      "get",
	Usage:     "print the value stored for a key",
	ArgsUsage: "<db directory> <key>",
	Flags:     []cli.Flag{allowGCFlag, regionSizeFlag},
}

func doGet(ctx *cli.Context) error {
	if ctx.Args().Len() < 2 {
		return fmt.Errorf("missing key argument")
	}
	db, _, err := openDB(ctx, true)
	if err != nil {
		return err
	}
	defer db.Close()

	rs, err := db.StartReadSession()
	if err != nil {
		return err
	}
	defer rs.Close()

	value, ok, err := rs.Get([]byte(ctx.Args().Get(1)))
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("<not found>")
		return nil
	}
	fmt.Println(string(value))
	return nil
}

var PutCmd = cli.Command{
	Action:    doPut,
	Name:      "put",
	Usage:     "upsert a key/value pair and publish the result as the new root revision",
	ArgsUsage: "<db directory> <key> <value>",
	Flags:     []cli.Flag{allowGCFlag, regionSizeFlag},
}

func doPut(ctx *cli.Context) error {
	if ctx.Args().Len() < 3 {
		return fmt.Errorf("missing key/value arguments")
	}
	db, _, err := openDB(ctx, false)
	if err != nil {
		return err
	}
	defer db.Close()

	ws, err := db.StartWriteSession()
	if err != nil {
		return err
	}
	defer ws.Close()

	if _, err := ws.Upsert([]byte(ctx.Args().Get(1)), []byte(ctx.Args().Get(2))); err != nil {
		return err
	}
	return ws.SetRootRevision(ws.Root())
}

var DelCmd = cli.Command{
	Action:    doDel,
	Name:      "del",
	Usage:     "remove a key and publish the result as the new root revision",
	ArgsUsage: "<db directory> <key>",
	Flags:     []cli.Flag{allowGCFlag, regionSizeFlag},
}

func doDel(ctx *cli.Context) error {
	if ctx.Args().Len() < 2 {
		return fmt.Errorf("missing key argument")
	}
	db, _, err := openDB(ctx, false)
	if err != nil {
		return err
	}
	defer db.Close()

	ws, err := db.StartWriteSession()
	if err != nil {
		return err
	}
	defer ws.Close()

	oldSize, err := ws.Remove([]byte(ctx.Args().Get(1)))
	if err != nil {
		return err
	}
	if oldSize < 0 {
		fmt.Println("<not found>")
		return nil
	}
	return ws.SetRootRevision(ws.Root())
}

var ScanCmd = cli.Command{
	Action:    doScan,
	Name:      "scan",
	Usage:     "print every key/value pair in ascending order, optionally restricted to a prefix",
	ArgsUsage: "<db directory> [prefix]",
	Flags:     []cli.Flag{allowGCFlag, regionSizeFlag},
}

func doScan(ctx *cli.Context) error {
	db, _, err := openDB(ctx, true)
	if err != nil {
		return err
	}
	defer db.Close()

	rs, err := db.StartReadSession()
	if err != nil {
		return err
	}
	defer rs.Close()

	var it interface {
		Valid() bool
		Key() []byte
		Value() []byte
		Next() error
	}
	if ctx.Args().Len() >= 2 {
		it, err = rs.LowerBound([]byte(ctx.Args().Get(1)))
	} else {
		it, err = rs.First()
	}
	if err != nil {
		return err
	}
	prefix := []byte(ctx.Args().Get(1))
	for it.Valid() {
		key := it.Key()
		if ctx.Args().Len() >= 2 && !hasPrefix(key, prefix) {
			break
		}
		fmt.Printf("%s = %s\n", key, it.Value())
		if err := it.Next(); err != nil {
			return err
		}
	}
	return nil
}

func hasPrefix(key, prefix []byte) bool {
	if len(key) < len(prefix) {
		return false
	}
	for i, b := range prefix {
		if key[i] != b {
			return false
		}
	}
	return true
}

var GCCmd = cli.Command{
	Action:    doGC,
	Name:      "gc",
	Usage:     "run a mark-and-sweep pass rooted at the published root revision",
	ArgsUsage: "<db directory>",
	Flags:     []cli.Flag{allowGCFlag, regionSizeFlag},
}

func doGC(ctx *cli.Context) error {
	db, _, err := openDB(ctx, false)
	if err != nil {
		return err
	}
	defer db.Close()

	ws, err := db.StartWriteSession()
	if err != nil {
		return err
	}
	defer ws.Close()

	if err := ws.StartCollectGarbage(); err != nil {
		return err
	}
	// One retain per holder: the published root revision and this
	// session's own working root each count, even when they coincide.
	if root := db.GetRootRevision(); root != 0 {
		if err := ws.RecursiveRetain(root); err != nil {
			return err
		}
	}
	if root := ws.Root(); root != 0 {
		if err := ws.RecursiveRetain(root); err != nil {
			return err
		}
	}
	return ws.EndCollectGarbage()
}

var targetCountFlag = &cli.IntFlag{
	Name:  "count",
	Usage: "number of random key/value pairs to upsert",
	Value: 10000,
}

var BenchmarkCmd = cli.Command{
	Action:    doBenchmark,
	Name:      "benchmark",
	Usage:     "upsert a batch of random key/value pairs and report throughput",
	ArgsUsage: "<db directory>",
	Flags:     []cli.Flag{allowGCFlag, regionSizeFlag, targetCountFlag},
}

func randBytes(r *rand.Rand, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(r.IntN(256))
	}
	return b
}

func doBenchmark(ctx *cli.Context) error {
	db, _, err := openDB(ctx, false)
	if err != nil {
		return err
	}
	defer db.Close()

	ws, err := db.StartWriteSession()
	if err != nil {
		return err
	}
	defer ws.Close()

	count := ctx.Int(targetCountFlag.Name)
	rng := rand.NewPCG(1, 2)
	r := rand.New(rng)

	start := time.Now()
	for i := 0; i < count; i++ {
		key := randBytes(r, 1+r.IntN(32))
		value := randBytes(r, r.IntN(64))
		if _, err := ws.Upsert(key, value); err != nil {
			return err
		}
	}
	elapsed := time.Since(start)
	if err := ws.SetRootRevision(ws.Root()); err != nil {
		return err
	}
	fmt.Printf("upserted %d pairs in %s (%.0f/s)\n", count, elapsed, float64(count)/elapsed.Seconds())
	fmt.Println(db.Stats())
	return nil
}
