package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"

	"github.com/objectfs/blockvfs/internal/config"
	"github.com/objectfs/blockvfs/internal/daemon"
)

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	tbl := tablewriter.NewWriter(w)
	tbl.SetAutoFormatHeaders(false)
	tbl.SetBorder(false)
	tbl.SetHeader(header)
	return tbl
}

func printListing(w io.Writer, listing *daemon.Listing) {
	fmt.Fprintf(w, "container:  %s\n", listing.Container.Path)
	fmt.Fprintf(w, "block size: %s\n", humanize.IBytes(uint64(listing.Container.BlockSize)))
	fmt.Fprintf(w, "version:    %d (%s, %s)\n\n", listing.Version, listing.Author, humanize.Time(listing.Published))

	tbl := newTable(w, "Database", "Size", "Blocks")
	for _, db := range listing.Databases {
		tbl.Append([]string{db.Name, humanize.IBytes(uint64(db.Size)), strconv.Itoa(db.Blocks)})
	}
	tbl.Render()
}

func printManifest(w io.Writer, report *daemon.ManifestReport) {
	man := report.Manifest
	fmt.Fprintf(w, "container:  %s\n", man.Container)
	fmt.Fprintf(w, "version:    %d\n", man.Version)
	fmt.Fprintf(w, "author:     %s\n", man.Author)
	fmt.Fprintf(w, "published:  %s\n", man.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "block size: %s\n", humanize.IBytes(uint64(man.BlockSize)))
	fmt.Fprintf(w, "history:    %s\n\n", strings.Join(lo.Map(report.History, func(v uint64, _ int) string {
		return strconv.FormatUint(v, 10)
	}), " "))

	tbl := newTable(w, "Database", "Block", "Checksum")
	names := man.Names()
	for _, name := range names {
		db := man.Databases[name]
		for i, sum := range db.Blocks {
			tbl.Append([]string{name, strconv.Itoa(i), sum})
		}
	}
	tbl.Render()
	fmt.Fprintf(w, "\n%d database(s), %d block(s)\n", len(names), man.TotalBlocks())
}

func envUsage() string {
	return config.EnvUsage()
}
