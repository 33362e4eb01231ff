package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nvandessel/popln/internal/blob"
	"github.com/nvandessel/popln/internal/mutation"
	"github.com/nvandessel/popln/internal/sampling"
	"github.com/nvandessel/popln/internal/snapshot"
	"github.com/nvandessel/popln/internal/tumour"
	"github.com/spf13/cobra"
)

func newSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect stored snapshots",
		Long: `Verify, inspect, list and delete snapshots written by 'popln run'.

An <archive> argument is a local file or a key in the archive store
configured with storage.archive_uri (or --archive-to).

Examples:
  popln snapshot verify results/1-1-crash.popln
  popln snapshot inspect 1-1-crash --archive-to s3://bucket/popln
  popln snapshot list --db runs.db
  popln snapshot verify 1-1-crash --db runs.db
  popln snapshot delete 1-1-crash --db runs.db
  popln snapshot attributes 1-1-end.popln --attr id,size,colour`,
	}

	cmd.PersistentFlags().String("archive-to", "", "Directory or s3://bucket/prefix holding archives")
	cmd.AddCommand(
		newSnapshotVerifyCmd(),
		newSnapshotInspectCmd(),
		newSnapshotListCmd(),
		newSnapshotAttributesCmd(),
		newSnapshotDeleteCmd(),
	)
	return cmd
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func newSnapshotVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <archive|label>",
		Short: "Verify an archive checksum or a database snapshot",
		Long: `Verify an archive's checksum. With --db, run the database integrity
checks instead and check that the snapshot stored under <label> restores.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			dbPath, _ := cmd.Flags().GetString("db")
			out := cmd.OutOrStdout()
			if dbPath != "" {
				return verifyStored(cmd, dbPath, args[0], jsonOut)
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			applyStorageFlags(cmd, &cfg.Storage)

			rc, err := openArchive(cmdContext(cmd), cfg.Storage, args[0])
			if err != nil {
				return err
			}
			defer rc.Close()

			h, err := snapshot.VerifyArchive(rc)
			if err != nil {
				if jsonOut {
					json.NewEncoder(out).Encode(map[string]any{
						"archive": args[0],
						"valid":   false,
						"error":   err.Error(),
					})
				} else {
					fmt.Fprintf(out, "FAILED: %v\n", err)
					fmt.Fprintf(out, "  Archive: %s\n", args[0])
				}
				return fmt.Errorf("checksum verification failed")
			}

			if jsonOut {
				return json.NewEncoder(out).Encode(map[string]any{
					"archive":  args[0],
					"valid":    true,
					"checksum": h.Checksum,
				})
			}
			fmt.Fprintf(out, "OK: checksum verified\n")
			fmt.Fprintf(out, "  Archive: %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().String("db", "", "Verify a labelled snapshot in this SQLite database")
	return cmd
}

// verifyStored checks the database at dbPath and restores the snapshot
// stored under label.
func verifyStored(cmd *cobra.Command, dbPath, label string, jsonOut bool) error {
	ctx := cmdContext(cmd)
	out := cmd.OutOrStdout()

	check := func() error {
		db, err := snapshot.OpenStore(ctx, dbPath)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Validate(ctx); err != nil {
			return err
		}
		st, err := db.Load(ctx, label)
		if err != nil {
			return err
		}
		_, err = snapshot.Restore(nil, sampling.NewSampler(0), st)
		return err
	}

	if err := check(); err != nil {
		if jsonOut {
			json.NewEncoder(out).Encode(map[string]any{
				"db":    dbPath,
				"label": label,
				"valid": false,
				"error": err.Error(),
			})
		} else {
			fmt.Fprintf(out, "FAILED: %v\n", err)
			fmt.Fprintf(out, "  Database: %s\n", dbPath)
		}
		return fmt.Errorf("snapshot verification failed: %w", err)
	}

	if jsonOut {
		return json.NewEncoder(out).Encode(map[string]any{"db": dbPath, "label": label, "valid": true})
	}
	fmt.Fprintf(out, "OK: database and snapshot verified\n")
	fmt.Fprintf(out, "  Database: %s\n", dbPath)
	fmt.Fprintf(out, "  Label:    %s\n", label)
	return nil
}

func newSnapshotInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <archive>",
		Short: "Show the contents of an archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			out := cmd.OutOrStdout()
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			applyStorageFlags(cmd, &cfg.Storage)

			rc, err := openArchive(cmdContext(cmd), cfg.Storage, args[0])
			if err != nil {
				return err
			}
			defer rc.Close()
			h, st, err := snapshot.ReadArchive(rc)
			if err != nil {
				return err
			}

			byType := map[string]int{}
			for _, m := range st.Mutations {
				byType[m.MutType]++
			}
			resistant := 0
			for _, c := range st.Clones {
				if c.IsResistant {
					resistant++
				}
			}

			if jsonOut {
				return json.NewEncoder(out).Encode(map[string]any{
					"header":           h,
					"params":           st.Stats,
					"mutations":        byType,
					"resistant_clones": resistant,
				})
			}
			fmt.Fprintf(out, "Archive %s\n", args[0])
			fmt.Fprintf(out, "  Created:          %s\n", h.CreatedAt.Format("2006-01-02 15:04:05"))
			fmt.Fprintf(out, "  Cycle:            %d\n", h.Cycle)
			fmt.Fprintf(out, "  Tumour size:      %d\n", st.Stats.TumourSize)
			fmt.Fprintf(out, "  Clones:           %d (%d live, %d resistant)\n", len(st.Clones), st.Stats.CloneCount, resistant)
			fmt.Fprintf(out, "  Avg mutation:     %g\n", st.Stats.AvgMutationRate)
			fmt.Fprintf(out, "  Avg prolif:       %g\n", st.Stats.AvgProliferationRate)
			fmt.Fprintf(out, "  Mutations:        %d\n", len(st.Mutations))
			for _, t := range mutation.Types {
				fmt.Fprintf(out, "    %-12s %d\n", t.String()+":", byType[t.Code()])
			}
			return nil
		},
	}
}

func newSnapshotListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List snapshots in a database or archive store",
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			dbPath, _ := cmd.Flags().GetString("db")
			out := cmd.OutOrStdout()
			ctx := cmdContext(cmd)
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			applyStorageFlags(cmd, &cfg.Storage)
			if dbPath == "" {
				dbPath = cfg.Storage.DBPath
			}

			if dbPath != "" {
				db, err := snapshot.OpenStore(ctx, dbPath)
				if err != nil {
					return err
				}
				defer db.Close()
				entries, err := db.List(ctx)
				if err != nil {
					return err
				}
				if jsonOut {
					return json.NewEncoder(out).Encode(map[string]any{"snapshots": entries, "count": len(entries)})
				}
				if len(entries) == 0 {
					fmt.Fprintln(out, "No snapshots found.")
					return nil
				}
				fmt.Fprintf(out, "%-24s %-20s %10s %12s %8s\n", "LABEL", "CREATED", "CYCLE", "SIZE", "CLONES")
				for _, e := range entries {
					fmt.Fprintf(out, "%-24s %-20s %10d %12d %8d\n",
						e.Label, e.CreatedAt.Format("2006-01-02 15:04:05"), e.Cycle, e.TumourSize, e.CloneCount)
				}
				return nil
			}

			if cfg.Storage.ArchiveURI == "" {
				return fmt.Errorf("nothing to list: pass --db or --archive-to")
			}
			bs, err := blob.Open(ctx, cfg.Storage.ArchiveURI, blob.Options{Region: cfg.Storage.S3Region, Endpoint: cfg.Storage.S3Endpoint})
			if err != nil {
				return err
			}
			keys, err := bs.List(ctx, "")
			if err != nil {
				return err
			}
			var archives []string
			for _, k := range keys {
				if strings.HasSuffix(k, archiveExt) {
					archives = append(archives, k)
				}
			}
			if jsonOut {
				return json.NewEncoder(out).Encode(map[string]any{"archives": archives, "count": len(archives)})
			}
			if len(archives) == 0 {
				fmt.Fprintln(out, "No archives found.")
			}
			for _, k := range archives {
				fmt.Fprintln(out, k)
			}
			return nil
		},
	}
	cmd.Flags().String("db", "", "SQLite snapshot database")
	return cmd
}

func newSnapshotAttributesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attributes <archive>",
		Short: "Export per-clone attributes as CSV",
		Long: `Restore a snapshot and print one CSV row per clone, breadth-first.

Attributes: ` + strings.Join(tumour.AttributeNames(), ", "),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			attrs, _ := cmd.Flags().GetStringSlice("attr")
			includeDead, _ := cmd.Flags().GetBool("include-dead")
			dbPath, _ := cmd.Flags().GetString("db")
			ctx := cmdContext(cmd)

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			applyStorageFlags(cmd, &cfg.Storage)
			st, err := loadState(ctx, cfg.Storage, dbPath, args[0])
			if err != nil {
				return err
			}
			tm, err := snapshot.Restore(nil, sampling.NewSampler(0), st)
			if err != nil {
				return err
			}
			rows, err := tm.Attributes(attrs, includeDead)
			if err != nil {
				return err
			}

			w := csv.NewWriter(cmd.OutOrStdout())
			w.Write(attrs)
			for _, row := range rows {
				rec := make([]string, len(row))
				for i, v := range row {
					if v != nil {
						rec[i] = fmt.Sprint(v)
					}
				}
				w.Write(rec)
			}
			w.Flush()
			return w.Error()
		},
	}
	cmd.Flags().StringSlice("attr", []string{"id", "parent_id", "size", "proliferation_rate", "mutation_rate"}, "Attributes to export")
	cmd.Flags().Bool("include-dead", false, "Include clones with no live cells")
	cmd.Flags().String("db", "", "Read the snapshot by label from this SQLite database")
	return cmd
}

func newSnapshotDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <label>",
		Short: "Delete a snapshot from a database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			dbPath, _ := cmd.Flags().GetString("db")
			out := cmd.OutOrStdout()
			ctx := cmdContext(cmd)
			if dbPath == "" {
				cfg, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				dbPath = cfg.Storage.DBPath
			}
			if dbPath == "" {
				return fmt.Errorf("nothing to delete from: pass --db")
			}

			db, err := snapshot.OpenStore(ctx, dbPath)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.Delete(ctx, args[0]); err != nil {
				return err
			}

			if jsonOut {
				return json.NewEncoder(out).Encode(map[string]any{"deleted": args[0]})
			}
			fmt.Fprintf(out, "Deleted %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().String("db", "", "SQLite snapshot database")
	return cmd
}
