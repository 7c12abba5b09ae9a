package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lyzr/mediapipe/cmd/mediapipe/container"
	"github.com/lyzr/mediapipe/common/ratelimit"
)

type setupFunc func(ctx context.Context) (*container.Container, func(), error)

type cli struct {
	setup   setupFunc
	cfgFile string
	jsonOut bool
}

func newRootCmd(setup setupFunc) *cobra.Command {
	app := &cli{setup: setup}

	rootCmd := &cobra.Command{
		Use:   "mediactl",
		Short: "mediactl - maintenance for the mediapipe content store",
		Long: `mediactl runs the maintenance passes the server also runs on a timer.

Configuration is read the same way as the server: defaults, then the YAML
file named by MEDIAPIPE_CONFIG (or --config), then environment variables.

Examples:
  # Repair reference counts that drifted after a crash
  mediactl reconcile

  # Delete unreferenced content idle for more than a day
  mediactl reap --grace 24h

  # Remove abandoned temp and staging files
  mediactl sweep-temp --max-age 2h

  # Show whether a file is already stored
  mediactl lookup ./photo.jpg`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if app.cfgFile != "" {
				return os.Setenv("MEDIAPIPE_CONFIG", app.cfgFile)
			}
			return nil
		},
		Version: fmt.Sprintf("%s (%s)", Version, Commit),
	}

	rootCmd.PersistentFlags().StringVarP(&app.cfgFile, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().BoolVar(&app.jsonOut, "json", false, "print results as JSON")

	rootCmd.AddCommand(app.newReconcileCmd())
	rootCmd.AddCommand(app.newReapCmd())
	rootCmd.AddCommand(app.newSweepTempCmd())
	rootCmd.AddCommand(app.newLookupCmd())
	rootCmd.AddCommand(app.newLimitsCmd())

	return rootCmd
}

// withContainer builds the container for one command and tears it down after
func (a *cli) withContainer(cmd *cobra.Command, fn func(ctx context.Context, c *container.Container) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	c, shutdown, err := a.setup(ctx)
	if err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	defer shutdown()

	return fn(ctx, c)
}

func (a *cli) printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *cli) newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Recompute reference counts from live media records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withContainer(cmd, func(ctx context.Context, c *container.Container) error {
				drift, err := c.MaintenanceService.Reconcile(ctx)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if a.jsonOut {
					return a.printJSON(out, map[string]interface{}{"drift": drift})
				}
				if len(drift) == 0 {
					_, _ = fmt.Fprintln(out, "No drift found.")
					return nil
				}

				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, "DIGEST\tWAS\tNOW")
				for _, d := range drift {
					_, _ = fmt.Fprintf(w, "%s\t%d\t%d\n", d.Digest, d.Was, d.Now)
				}
				_ = w.Flush()
				_, _ = fmt.Fprintf(out, "\nRepaired %d entries.\n", len(drift))
				return nil
			})
		},
	}
}

func (a *cli) newReapCmd() *cobra.Command {
	var (
		grace time.Duration
		batch int
	)

	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Delete unreferenced content and its files",
		Long: `Delete registry entries whose reference count has been zero for longer
than the grace period, along with their artifact, thumbnails and versions.

Defaults come from maintenance.reap_grace and maintenance.reap_batch.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withContainer(cmd, func(ctx context.Context, c *container.Container) error {
				cfg := c.Components.Config.Maintenance
				if !cmd.Flags().Changed("grace") {
					grace = cfg.ReapGrace
				}
				if !cmd.Flags().Changed("batch") {
					batch = cfg.ReapBatch
				}

				reaped, err := c.MaintenanceService.Reap(ctx, grace, batch)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if a.jsonOut {
					digests := make([]string, 0, len(reaped))
					for _, r := range reaped {
						digests = append(digests, r.Entry.Digest)
					}
					return a.printJSON(out, map[string]interface{}{"reaped": digests, "count": len(reaped)})
				}

				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, "DIGEST\tARTIFACT\tVERSIONS")
				for _, r := range reaped {
					_, _ = fmt.Fprintf(w, "%s\t%s\t%d\n", r.Entry.Digest, r.Entry.ArtifactPath, len(r.VersionPaths))
				}
				_ = w.Flush()
				_, _ = fmt.Fprintf(out, "\nReaped %d entries (grace %s).\n", len(reaped), grace)
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&grace, "grace", 0, "minimum time an entry must have been unreferenced")
	cmd.Flags().IntVar(&batch, "batch", 0, "entries deleted per transaction")
	return cmd
}

func (a *cli) newSweepTempCmd() *cobra.Command {
	var maxAge time.Duration

	cmd := &cobra.Command{
		Use:   "sweep-temp",
		Short: "Remove abandoned upload and staging files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withContainer(cmd, func(ctx context.Context, c *container.Container) error {
				if !cmd.Flags().Changed("max-age") {
					maxAge = c.Components.Config.Maintenance.TempMaxAge
				}

				removed, err := c.MaintenanceService.SweepTemp(ctx, maxAge)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if a.jsonOut {
					return a.printJSON(out, map[string]interface{}{"removed": removed})
				}
				_, _ = fmt.Fprintf(out, "Removed %d files older than %s.\n", removed, maxAge)
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "remove files last modified before now minus max-age")
	return cmd
}

func (a *cli) newLookupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <file>",
		Short: "Hash a local file and show its registry entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withContainer(cmd, func(ctx context.Context, c *container.Container) error {
				digest, size, err := c.RegistryService.ComputeFileDigest(ctx, args[0])
				if err != nil {
					return err
				}
				entry, err := c.RegistryService.Lookup(ctx, digest)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if a.jsonOut {
					return a.printJSON(out, map[string]interface{}{
						"digest": digest,
						"size":   size,
						"stored": entry != nil,
						"entry":  entry,
					})
				}

				_, _ = fmt.Fprintf(out, "Digest:     %s\n", digest)
				_, _ = fmt.Fprintf(out, "Size:       %d bytes\n", size)
				if entry == nil {
					_, _ = fmt.Fprintln(out, "Stored:     no")
					return nil
				}
				_, _ = fmt.Fprintln(out, "Stored:     yes")
				_, _ = fmt.Fprintf(out, "Artifact:   %s (%s)\n", entry.ArtifactPath, entry.MimeType)
				_, _ = fmt.Fprintf(out, "References: %d\n", entry.RefCount)
				if entry.ReapableAt != nil {
					_, _ = fmt.Fprintf(out, "Reapable:   since %s\n", entry.ReapableAt.Format(time.RFC3339))
				}
				return nil
			})
		},
	}
}

func (a *cli) newLimitsCmd() *cobra.Command {
	var reset bool

	cmd := &cobra.Command{
		Use:   "limits <owner>",
		Short: "Show or reset an owner's rate limit counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withContainer(cmd, func(ctx context.Context, c *container.Container) error {
				if c.RateLimiter == nil {
					return fmt.Errorf("rate limiting is disabled")
				}
				owner := args[0]

				type counter struct {
					Key     string `json:"key"`
					Limit   int64  `json:"limit"`
					Current int64  `json:"current"`
				}
				var counters []counter

				keys := []string{ratelimit.OwnerKey(owner)}
				limits := []int64{c.Components.Config.RateLimit.RequestsPerMinute}
				for _, tier := range c.RateLimiter.Tiers().GetAllTiers() {
					keys = append(keys, ratelimit.TierKey(owner, tier.Tier))
					limits = append(limits, tier.Limit)
				}

				for i, key := range keys {
					if reset {
						if err := c.RateLimiter.ResetLimit(ctx, key); err != nil {
							return err
						}
					}
					n, err := c.RateLimiter.GetCurrentCount(ctx, key)
					if err != nil {
						return err
					}
					counters = append(counters, counter{Key: key, Limit: limits[i], Current: n})
				}

				out := cmd.OutOrStdout()
				if a.jsonOut {
					return a.printJSON(out, map[string]interface{}{"owner": owner, "counters": counters})
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, "KEY\tCURRENT\tLIMIT/MIN")
				for _, ctr := range counters {
					_, _ = fmt.Fprintf(w, "%s\t%d\t%d\n", ctr.Key, ctr.Current, ctr.Limit)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().BoolVar(&reset, "reset", false, "clear the counters before showing them")
	return cmd
}
