package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/xelth-com/ecosyncgo/internal/keystore"
	"github.com/xelth-com/ecosyncgo/internal/models"
)

// withApp bootstraps the core for a one-shot command and tears it down afterwards
func withApp(c *cli, fn func(ctx context.Context, a *app) error) error {
	ctx := context.Background()
	a, err := bootstrap(ctx, c.cfg, c.syncCfg)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func enqueueCommand(c *cli) *cobra.Command {
	var payload models.SubmissionPayload
	var labels, counts string

	cmd := &cobra.Command{
		Use:   "enqueue <media-path>",
		Short: "Queue a captured report for upload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload.MediaPath = args[0]
			if labels != "" {
				payload.SceneLabels = strings.Split(labels, ",")
			}
			if counts != "" {
				if err := json.Unmarshal([]byte(counts), &payload.ItemCounts); err != nil {
					return fmt.Errorf("invalid --counts: %w", err)
				}
			}

			return withApp(c, func(ctx context.Context, a *app) error {
				sub, err := a.queue.Enqueue(ctx, payload)
				if err != nil {
					return err
				}
				return printJSON(sub)
			})
		},
	}

	cmd.Flags().StringVar(&payload.PollutionType, "type", "other", "pollution type")
	cmd.Flags().IntVar(&payload.Severity, "severity", 3, "severity 1..5")
	cmd.Flags().StringVar(&payload.Notes, "notes", "", "free-text notes")
	cmd.Flags().Float64Var(&payload.Latitude, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&payload.Longitude, "lng", 0, "longitude")
	cmd.Flags().StringVar(&labels, "labels", "", "comma separated scene labels")
	cmd.Flags().StringVar(&counts, "counts", "", `detected counts as JSON, e.g. {"plastic":3}`)
	cmd.Flags().IntVar(&payload.PeopleCount, "people", 0, "people detected in the photo")
	return cmd
}

func syncCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Verify connectivity and upload pending reports once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(c, func(ctx context.Context, a *app) error {
				a.monitor.Initialize(ctx)
				result, err := a.engine.SyncNow(ctx)
				if err != nil {
					return err
				}
				return printJSON(result)
			})
		},
	}
}

func statusCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue, cache and connectivity state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(c, func(ctx context.Context, a *app) error {
				a.monitor.Initialize(ctx)
				status, err := a.engine.GetSyncStatus(ctx)
				if err != nil {
					return err
				}
				return printJSON(status)
			})
		},
	}
}

func cacheCommands(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the regional report cache",
	}

	var bounds models.Bounds
	var refresh bool
	query := &cobra.Command{
		Use:   "query",
		Short: "List cached reports inside bounds",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !bounds.Valid() {
				return fmt.Errorf("min bounds exceed max bounds")
			}
			return withApp(c, func(ctx context.Context, a *app) error {
				if refresh {
					a.monitor.Initialize(ctx)
					if _, err := a.engine.RefreshViewport(ctx, bounds); err != nil {
						fmt.Fprintf(os.Stderr, "refresh skipped: %v\n", err)
					}
				}
				records, err := a.cache.QueryBounds(ctx, bounds)
				if err != nil {
					return err
				}
				return printJSON(records)
			})
		},
	}
	query.Flags().Float64Var(&bounds.MinLat, "min-lat", -90, "minimum latitude")
	query.Flags().Float64Var(&bounds.MaxLat, "max-lat", 90, "maximum latitude")
	query.Flags().Float64Var(&bounds.MinLng, "min-lng", -180, "minimum longitude")
	query.Flags().Float64Var(&bounds.MaxLng, "max-lng", 180, "maximum longitude")
	query.Flags().BoolVar(&refresh, "refresh", false, "refresh from the backend first when online")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop every cached report and the sync metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(c, func(ctx context.Context, a *app) error {
				return a.cache.Clear(ctx)
			})
		},
	}

	cmd.AddCommand(query, clearCmd)
	return cmd
}

func keyCommands(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Store encryption key",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show-fingerprint",
		Short: "Print the fingerprint of the store key, creating the key if needed",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := masterKey(c.cfg.Keystore)
			if err != nil {
				return err
			}
			fmt.Println(keystore.Fingerprint(key))
			return nil
		},
	})
	return cmd
}
