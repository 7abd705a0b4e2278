package main

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"

	"github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"
)

// diagnosticModules are the transport, crypto and storage libraries whose
// versions matter when reporting problems.
var diagnosticModules = []string{
	"github.com/aws/aws-sdk-go-v2",
	"github.com/aws/aws-sdk-go-v2/service/s3",
	"google.golang.org/api",
	"golang.org/x/oauth2",
	"github.com/zeebo/blake3",
	"github.com/klauspost/compress",
	"go.etcd.io/bbolt",
	"github.com/psanford/sqlite3vfs",
	"github.com/mattn/go-sqlite3",
}

func versionEntrypoint() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Prints the versions of the storage, transport and crypto libraries",
		Args:  cobra.NoArgs,
		// needs no configuration
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			tbl := newTable(os.Stdout, "Component", "Version")

			info, ok := debug.ReadBuildInfo()
			if ok {
				tbl.Append([]string{info.Main.Path, moduleVersion(info.Main)})
			}
			tbl.Append([]string{"go", runtime.Version()})
			libVersion, _, _ := sqlite3.Version()
			tbl.Append([]string{"sqlite", libVersion})

			if ok {
				deps := make(map[string]*debug.Module, len(info.Deps))
				for _, dep := range info.Deps {
					deps[dep.Path] = dep
				}
				for _, path := range diagnosticModules {
					if dep, found := deps[path]; found {
						tbl.Append([]string{path, moduleVersion(*dep)})
					}
				}
			} else {
				fmt.Fprintln(os.Stderr, "build information unavailable")
			}
			tbl.Render()
		},
	}
}

func moduleVersion(m debug.Module) string {
	if m.Replace != nil {
		return m.Replace.Version + " (replaced)"
	}
	if m.Version == "" {
		return "(devel)"
	}
	return m.Version
}
