package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/objectfs/blockvfs/internal/daemon"
	"github.com/objectfs/blockvfs/internal/sqlitevfs"
	bverrors "github.com/objectfs/blockvfs/pkg/errors"
)

func queryEntrypoint(g *globals) *cobra.Command {
	var (
		create  bool
		publish bool
	)

	cmd := &cobra.Command{
		Use:   "query [database] [statement]",
		Short: "Runs one SQL statement against a database of the configured container",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withCoordinator(func(ctx context.Context, c *daemon.Coordinator) error {
				registry, err := c.Registry(ctx)
				if err != nil {
					return err
				}
				defer registry.Close(context.WithoutCancel(ctx))

				if err := sqlitevfs.Register(g.cfg.VFS.Name, registry, sqlitevfs.Options{
					AuxDir:  filepath.Join(g.cfg.Cache.Directory, "aux"),
					Timeout: g.cfg.Network.Timeouts.Request,
					Logger:  g.logger,
				}); err != nil {
					return err
				}

				mode := "rw"
				if create {
					mode = "rwc"
				}
				dsn := fmt.Sprintf("file:/%s/%s?vfs=%s&mode=%s", g.cfg.VFS.Alias, args[0], g.cfg.VFS.Name, mode)
				if err := runStatement(ctx, dsn, args[1]); err != nil {
					return err
				}

				if publish {
					man, n, err := c.UploadPending(ctx, g.cfg.VFS.Bucket)
					if err != nil {
						return err
					}
					fmt.Printf("published %d block(s), version %d\n", n, man.Version)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&create, "create", create, "Create the database if it does not exist")
	cmd.Flags().BoolVar(&publish, "publish", publish, "Publish the written blocks afterwards")

	return cmd
}

func runStatement(ctx context.Context, dsn, statement string) error {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return bverrors.Wrap(err, bverrors.ErrCodeOperationFailed, "failed to open database")
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	if !returnsRows(statement) {
		res, err := db.ExecContext(ctx, statement)
		if err != nil {
			return bverrors.Wrap(err, bverrors.ErrCodeOperationFailed, "statement failed")
		}
		affected, _ := res.RowsAffected()
		fmt.Printf("%d row(s) affected\n", affected)
		return nil
	}

	rows, err := db.QueryContext(ctx, statement)
	if err != nil {
		return bverrors.Wrap(err, bverrors.ErrCodeOperationFailed, "query failed")
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return err
	}
	tbl := newTable(os.Stdout, columns...)
	values := make([]sql.NullString, len(columns))
	dest := make([]interface{}, len(columns))
	for i := range values {
		dest[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return err
		}
		row := make([]string, len(values))
		for i, v := range values {
			if v.Valid {
				row[i] = v.String
			} else {
				row[i] = "NULL"
			}
		}
		tbl.Append(row)
	}
	if err := rows.Err(); err != nil {
		return bverrors.Wrap(err, bverrors.ErrCodeOperationFailed, "query failed")
	}
	tbl.Render()
	return nil
}

func returnsRows(statement string) bool {
	fields := strings.Fields(statement)
	if len(fields) == 0 {
		return false
	}
	switch strings.ToUpper(fields[0]) {
	case "SELECT", "PRAGMA", "WITH", "EXPLAIN", "VALUES":
		return true
	}
	return false
}
