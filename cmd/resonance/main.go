// Command resonance is the CLI front-end over the registry library.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kittclouds/resonance/internal/config"
	"github.com/kittclouds/resonance/internal/logger"
	"github.com/kittclouds/resonance/internal/registry"
	"github.com/kittclouds/resonance/internal/store"
	"github.com/kittclouds/resonance/pkg/resonance"
)

var (
	cfgPath string
	dataDir string
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "resonance",
		Short:         "Text-similarity matching engine over standing intents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging on the console")

	rootCmd.AddCommand(chargeCmd())
	rootCmd.AddCommand(pulseCmd())
	rootCmd.AddCommand(archiveCmd())
	rootCmd.AddCommand(tendrilsCmd())
	rootCmd.AddCommand(pulsesCmd())
	rootCmd.AddCommand(searchCmd())
	rootCmd.AddCommand(convergencesCmd())
	rootCmd.AddCommand(statsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// getRegistry wires config, logger, backend selection and the registry.
// The returned closer flushes the logger and releases the store.
func getRegistry() (*registry.Registry, func(), error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	log := logger.New(cfg.LogFile, verbose || cfg.Verbose)

	s, err := store.Open(cfg.DataDir, log)
	if err != nil {
		return nil, nil, err
	}

	reg := registry.New(s,
		registry.WithLogger(log),
		registry.WithParams(cfg.Scoring),
	)

	closer := func() {
		if err := s.Close(); err != nil {
			log.Warn("store close failed", zap.Error(err))
		}
		_ = log.Sync()
	}
	return reg, closer, nil
}

func chargeCmd() *cobra.Command {
	var owner, source, priority, category string
	var tags []string
	var charge float64

	cmd := &cobra.Command{
		Use:   "charge [intent]",
		Short: "Register a standing intent",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, closer, err := getRegistry()
			if err != nil {
				return err
			}
			defer closer()

			opts := registry.ChargeOptions{
				Tags:     tags,
				Source:   source,
				Priority: priority,
				Category: category,
			}
			if cmd.Flags().Changed("charge") {
				opts.Charge = &charge
			}

			t, err := reg.Charge(strings.Join(args, " "), owner, opts)
			if err != nil {
				return err
			}

			fmt.Printf("Charged tendril %s\n", shortID(t.ID))
			fmt.Printf("  intent: %s\n", t.Intent)
			fmt.Printf("  charge: %.2f\n", t.Charge)
			if len(t.Tags) > 0 {
				fmt.Printf("  tags:   %s\n", strings.Join(t.Tags, ", "))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "cli", "owner identifier")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "tags (comma separated)")
	cmd.Flags().Float64Var(&charge, "charge", registry.DefaultCharge, "priority weight in [0,1]")
	cmd.Flags().StringVar(&source, "source", "", "source metadata")
	cmd.Flags().StringVar(&priority, "priority", "", "priority metadata")
	cmd.Flags().StringVar(&category, "category", "", "category metadata")
	return cmd
}

func pulseCmd() *cobra.Command {
	var inputType, source string

	cmd := &cobra.Command{
		Use:   "pulse [input]",
		Short: "Match input text against all active tendrils",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, closer, err := getRegistry()
			if err != nil {
				return err
			}
			defer closer()

			p, err := reg.Pulse(strings.Join(args, " "), registry.PulseOptions{
				InputType: inputType,
				Source:    source,
			})
			if err != nil {
				return err
			}

			fmt.Printf("Pulse %s: %d resonance(s)\n", shortID(p.ID), len(p.Resonances))
			for _, r := range p.Resonances {
				fmt.Printf("  %s  %.3f  %s\n",
					shortID(r.TendrilID), r.Strength, bandColor(r.Type)(string(r.Type)))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&inputType, "type", "", "input classification")
	cmd.Flags().StringVar(&source, "source", "", "source metadata")
	return cmd
}

func archiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive [tendril-id]",
		Short: "Soft-delete a tendril",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, closer, err := getRegistry()
			if err != nil {
				return err
			}
			defer closer()

			ok, err := reg.Archive(args[0])
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("no active tendril with that id")
				return nil
			}
			fmt.Println("archived")
			return nil
		},
	}
}

func tendrilsCmd() *cobra.Command {
	var activeOnly bool
	var owner string
	var tags []string

	cmd := &cobra.Command{
		Use:   "tendrils",
		Short: "List tendrils, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, closer, err := getRegistry()
			if err != nil {
				return err
			}
			defer closer()

			list, err := reg.Tendrils(store.TendrilFilter{
				ActiveOnly: activeOnly,
				Owner:      owner,
				Tags:       tags,
			})
			if err != nil {
				return err
			}

			for _, t := range list {
				state := ""
				if t.Archived {
					state = color.New(color.Faint).Sprint(" [archived]")
				}
				fmt.Printf("%s  %.2f  %s%s\n",
					shortID(t.ID), t.Charge, truncate(t.Intent, 60), state)
			}
			fmt.Printf("%d tendril(s)\n", len(list))
			return nil
		},
	}

	cmd.Flags().BoolVar(&activeOnly, "active", false, "active tendrils only")
	cmd.Flags().StringVar(&owner, "owner", "", "filter by owner")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "require all of these tags")
	return cmd
}

func pulsesCmd() *cobra.Command {
	var since string
	var minResonance float64
	var tendrilID string

	cmd := &cobra.Command{
		Use:   "pulses",
		Short: "List pulses, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, closer, err := getRegistry()
			if err != nil {
				return err
			}
			defer closer()

			filter := store.PulseFilter{
				MinResonance: minResonance,
				TendrilID:    tendrilID,
			}
			if since != "" {
				ts, err := time.Parse(time.RFC3339, since)
				if err != nil {
					return fmt.Errorf("bad --since value: %w", err)
				}
				filter.Since = ts.UnixMilli()
			}

			list, err := reg.Pulses(filter)
			if err != nil {
				return err
			}

			for _, p := range list {
				fmt.Printf("%s  %s  %d resonance(s)  %s\n",
					shortID(p.ID),
					time.UnixMilli(p.Timestamp).Format(time.RFC3339),
					len(p.Resonances),
					truncate(p.Input, 50))
			}
			fmt.Printf("%d pulse(s)\n", len(list))
			return nil
		},
	}

	cmd.Flags().StringVar(&since, "since", "", "RFC 3339 lower bound")
	cmd.Flags().Float64Var(&minResonance, "min-resonance", 0, "require a resonance at or above this")
	cmd.Flags().StringVar(&tendrilID, "tendril", "", "require a resonance with this tendril")
	return cmd
}

func searchCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Keyword search over tendril intents and tags",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, closer, err := getRegistry()
			if err != nil {
				return err
			}
			defer closer()

			hits, err := reg.SearchTendrils(strings.Join(args, " "), limit)
			if err != nil {
				return err
			}

			for _, h := range hits {
				fmt.Printf("%6.2f  %s  %s\n",
					h.Rank, shortID(h.Tendril.ID), truncate(h.Tendril.Intent, 60))
			}
			fmt.Printf("%d hit(s)\n", len(hits))
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 10, "maximum hits")
	return cmd
}

func convergencesCmd() *cobra.Command {
	var minResonance float64
	var minTendrils int
	var since string

	cmd := &cobra.Command{
		Use:   "convergences",
		Short: "Pulses resonating strongly with multiple tendrils",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, closer, err := getRegistry()
			if err != nil {
				return err
			}
			defer closer()

			var sinceTime time.Time
			if since != "" {
				var err error
				sinceTime, err = time.Parse(time.RFC3339, since)
				if err != nil {
					return fmt.Errorf("bad --since value: %w", err)
				}
			}

			list, err := reg.Convergences(minResonance, minTendrils, sinceTime)
			if err != nil {
				return err
			}

			for _, c := range list {
				fmt.Printf("%s  %d tendril(s)  strongest %.3f  %s\n",
					shortID(c.Pulse.ID), len(c.Matched), c.Strongest,
					truncate(c.Pulse.Input, 50))
			}
			fmt.Printf("%d convergence(s)\n", len(list))
			return nil
		},
	}

	cmd.Flags().Float64Var(&minResonance, "min-resonance", 0, "strength bar (default from config)")
	cmd.Flags().IntVar(&minTendrils, "min-tendrils", 0, "tendril count bar (default 2)")
	cmd.Flags().StringVar(&since, "since", "", "RFC 3339 lower bound")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Aggregate registry statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, closer, err := getRegistry()
			if err != nil {
				return err
			}
			defer closer()

			st, err := reg.Stats()
			if err != nil {
				return err
			}

			fmt.Printf("tendrils:     %d total, %d active (avg charge %.2f)\n",
				st.TotalTendrils, st.ActiveTendrils, st.AverageCharge)
			fmt.Printf("pulses:       %d total, %d recent\n", st.TotalPulses, st.RecentPulses)
			fmt.Printf("resonances:   %d total, %d strong (avg %.3f)\n",
				st.TotalResonances, st.StrongResonances, st.AverageResonance)
			fmt.Printf("convergences: %d\n", st.ConvergenceEvents)
			return nil
		},
	}
}

func bandColor(t resonance.Type) func(a ...interface{}) string {
	switch t {
	case resonance.TypeEntangled:
		return color.New(color.FgGreen, color.Bold).SprintFunc()
	case resonance.TypeStrong:
		return color.New(color.FgGreen).SprintFunc()
	case resonance.TypeSubtle:
		return color.New(color.FgYellow).SprintFunc()
	case resonance.TypeFaint:
		return color.New(color.FgCyan).SprintFunc()
	default:
		return color.New(color.Faint).SprintFunc()
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
