// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package triedb

import (
	"fmt"

	"github.com/0xsoniclabs/triedb/backend/directory"
	"github.com/0xsoniclabs/triedb/backend/region"
)

// Stats is a point-in-time diagnostics dump: directory occupancy, region
// occupancy, and relocation-queue depth.
type Stats struct {
	Directory directory.Stats
	Region    region.Stats
}

func (s Stats) String() string {
	return fmt.Sprintf(
		"directory: %d total, %d live, %d free | region: %d regions, %d bytes/region, %d bytes used, queue depth %d",
		s.Directory.TotalIDs, s.Directory.LiveIDs, s.Directory.ZeroRefIDs,
		s.Region.NumRegions, s.Region.RegionSize, s.Region.UsedBytes, s.Region.QueueDepth,
	)
}

// Stats reports current directory and region occupancy for diagnostics and
// the cmd/triedbtool "stats" subcommand.
func (d *Database) Stats() Stats {
	return Stats{Directory: d.dir.Stats(), Region: d.alloc.Stats()}
}
