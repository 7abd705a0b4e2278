package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/objectfs/blockvfs/internal/daemon"
	bverrors "github.com/objectfs/blockvfs/pkg/errors"
	"github.com/objectfs/blockvfs/pkg/utils"
)

func createEntrypoint(g *globals) *cobra.Command {
	blockSize := ""

	cmd := &cobra.Command{
		Use:   "create [bucket_path]",
		Short: "Creates a container with an empty manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withCoordinator(func(ctx context.Context, c *daemon.Coordinator) error {
				bs, err := parseBlockSize(blockSize)
				if err != nil {
					return err
				}
				desc, err := c.Create(ctx, args[0], bs)
				if err != nil {
					return err
				}
				fmt.Printf("created %s (block size %s, compression %s)\n",
					desc.Path, humanize.IBytes(uint64(desc.BlockSize)), desc.Compression)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&blockSize, "blocksize", blockSize, "Block size, e.g. 2048k (default from configuration)")

	return cmd
}

func destroyEntrypoint(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "destroy [bucket_path]",
		Short: "Deletes a container and its cached blocks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withCoordinator(func(ctx context.Context, c *daemon.Coordinator) error {
				if err := c.Destroy(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("destroyed %s\n", args[0])
				return nil
			})
		},
	}
}

func uploadEntrypoint(g *globals) *cobra.Command {
	var (
		create    bool
		pending   bool
		blockSize string
	)

	cmd := &cobra.Command{
		Use:   "upload [container] [local_file] [name]",
		Short: "Uploads a database file, or publishes pending local writes with --pending",
		Args: func(cmd *cobra.Command, args []string) error {
			if pending {
				return cobra.ExactArgs(1)(cmd, args)
			}
			return cobra.RangeArgs(2, 3)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withCoordinator(func(ctx context.Context, c *daemon.Coordinator) error {
				if pending {
					man, n, err := c.UploadPending(ctx, args[0])
					if err != nil {
						return err
					}
					fmt.Printf("published %d pending block(s), %s is at version %d\n", n, args[0], man.Version)
					return nil
				}

				bs, err := parseBlockSize(blockSize)
				if err != nil {
					return err
				}
				opts := daemon.UploadOptions{Create: create, BlockSize: bs}
				if len(args) > 2 {
					opts.Database = args[2]
				}
				res, err := c.Upload(ctx, args[0], args[1], opts)
				if err != nil {
					return err
				}
				fmt.Printf("uploaded %s as %s/%s: %s in %d block(s), version %d\n",
					args[1], res.Container, res.Database, humanize.IBytes(uint64(res.Size)), res.Blocks, res.Version)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&create, "create", create, "Create the container if it does not exist")
	cmd.Flags().BoolVar(&pending, "pending", pending, "Publish dirty blocks held in the local cache")
	cmd.Flags().StringVar(&blockSize, "blocksize", blockSize, "Block size used with --create")

	return cmd
}

func downloadEntrypoint(g *globals) *cobra.Command {
	opts := daemon.DownloadOptions{}

	cmd := &cobra.Command{
		Use:   "download [container]",
		Short: "Fetches every block of the latest manifest into the local cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withCoordinator(func(ctx context.Context, c *daemon.Coordinator) error {
				start := time.Now()
				res, err := c.Download(ctx, args[0], opts)
				if err != nil {
					return err
				}
				fmt.Printf("version %d: fetched %d block(s) (%s), %d already cached, took %s\n",
					res.Version, res.Fetched, humanize.IBytes(uint64(res.Bytes)), res.Cached, time.Since(start).Round(time.Millisecond))
				if opts.Output != "" {
					fmt.Printf("wrote %s\n", opts.Output)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&opts.Database, "database", "d", "", "Only download this database")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "Also write the database to this file (needs --database)")

	return cmd
}

func listEntrypoint(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:     "list [container]",
		Aliases: []string{"ls"},
		Short:   "Lists the databases of the latest manifest",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withCoordinator(func(ctx context.Context, c *daemon.Coordinator) error {
				listing, err := c.List(ctx, args[0])
				if err != nil {
					return err
				}
				printListing(os.Stdout, listing)
				return nil
			})
		},
	}
}

func manifestEntrypoint(g *globals) *cobra.Command {
	version := int64(-1)

	cmd := &cobra.Command{
		Use:   "manifest [container]",
		Short: "Shows a manifest and its block table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withCoordinator(func(ctx context.Context, c *daemon.Coordinator) error {
				var selected *uint64
				if version >= 0 {
					v := uint64(version)
					selected = &v
				}
				report, err := c.Manifest(ctx, args[0], selected)
				if err != nil {
					return err
				}
				printManifest(os.Stdout, report)
				return nil
			})
		},
	}

	cmd.Flags().Int64Var(&version, "version", version, "Show this version instead of the latest")

	return cmd
}

func cleanEntrypoint(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "clean [container]",
		Short: "Releases clean cache entries of a container, or of all containers",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withCoordinator(func(ctx context.Context, c *daemon.Coordinator) error {
				container := ""
				if len(args) > 0 {
					container = args[0]
				}
				n, err := c.Clean(ctx, container)
				if err != nil {
					return err
				}
				fmt.Printf("released %d cached block(s)\n", n)
				return nil
			})
		},
	}
}

func configEntrypoint(g *globals) *cobra.Command {
	write := ""

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Prints the environment variables read, or writes the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if write != "" {
				if err := g.cfg.SaveToFile(write); err != nil {
					return err
				}
				fmt.Printf("wrote %s\n", write)
				return nil
			}
			fmt.Println(envUsage())
			return nil
		},
	}

	cmd.Flags().StringVar(&write, "write", write, "Write the effective configuration to this YAML file")

	return cmd
}

// parseBlockSize parses a human size; empty means the configured default.
func parseBlockSize(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := utils.ParseBytes(s)
	if err != nil {
		return 0, bverrors.Wrap(err, bverrors.ErrCodeInvalidConfig, "invalid block size").WithDetail("value", s)
	}
	return n, nil
}
