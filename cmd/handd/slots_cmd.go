package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/handd"
	"pkt.systems/handd/internal/core"
	"pkt.systems/handd/internal/httpapi"
	"pkt.systems/handd/internal/provision"
	"pkt.systems/handd/internal/svcfields"
	"pkt.systems/pslog"
)

// adminSession is a direct store connection for operator commands; it
// bypasses the HTTP API and the shared password.
type adminSession struct {
	svc    *core.Service
	logger pslog.Logger
	close  func() error
}

func openAdmin(cmd *cobra.Command, baseLogger pslog.Logger, sys string) (*adminSession, error) {
	cmd.SilenceUsage = true
	logger, err := prepare(baseLogger)
	if err != nil {
		return nil, err
	}
	cfg, err := bindConfig()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Store) == "" {
		cfg.Store = handd.DefaultStore
	}
	logger = svcfields.WithSubsystem(logger, sys)
	store, err := handd.OpenStore(cmd.Context(), cfg, logger)
	if err != nil {
		return nil, err
	}
	svc := core.New(core.Config{Store: store, Logger: logger})
	return &adminSession{svc: svc, logger: logger, close: store.Close}, nil
}

func newSlotsCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "Inspect and administer slots directly in the store",
	}
	cmd.AddCommand(newSlotsListCommand(baseLogger))
	cmd.AddCommand(newSlotsProvisionCommand(baseLogger))
	cmd.AddCommand(newSlotsReclaimCommand(baseLogger))
	return cmd
}

func newSlotsListCommand(baseLogger pslog.Logger) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every slot and its lease state (tokens are not shown)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			admin, err := openAdmin(cmd, baseLogger, "cli.slots.list")
			if err != nil {
				return err
			}
			defer admin.close()
			slots, err := admin.svc.Slots(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				out := make([]any, 0, len(slots))
				for _, slot := range slots {
					out = append(out, httpapi.SlotInfo(slot))
				}
				return writeJSON(cmd.OutOrStdout(), out)
			}
			return renderSlots(cmd.OutOrStdout(), slots, time.Now())
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON instead of a table")
	return cmd
}

func renderSlots(w io.Writer, slots []core.HandSlot, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	writeLine(tw, "KEY\tSTATE\tHEARTBEAT\tRESERVED\tURL ID")
	free := 0
	for _, slot := range slots {
		state := "reserved"
		switch {
		case slot.Free():
			state = "free"
			free++
		case slot.Orphaned():
			state = "orphan"
		}
		writeLine(tw, "%s\t%s\t%s\t%s\t%s", slot.Key, state, formatAge(now, slot.Heartbeat), formatAge(now, slot.ReservedAt), slot.URLID)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	writeLine(w, "%d of %d slots free", free, len(slots))
	return nil
}

func newSlotsProvisionCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "provision FILE",
		Short: "Create missing slots and refresh urlIds from a YAML inventory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			admin, err := openAdmin(cmd, baseLogger, "cli.slots.provision")
			if err != nil {
				return err
			}
			defer admin.close()
			inventory, err := provision.Load(args[0])
			if err != nil {
				return err
			}
			res, err := provision.Apply(cmd.Context(), admin.svc.Store(), inventory, admin.logger)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			writeLine(out, "created:   %s", joinKeys(res.Created))
			writeLine(out, "refreshed: %s", joinKeys(res.Refreshed))
			writeLine(out, "unchanged: %d", len(res.Unchanged))
			return nil
		},
	}
}

func newSlotsReclaimCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "reclaim KEY...",
		Short: "Force-release slots regardless of who holds them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			admin, err := openAdmin(cmd, baseLogger, "cli.slots.reclaim")
			if err != nil {
				return err
			}
			defer admin.close()
			var failed []string
			for _, key := range args {
				prev, err := admin.svc.ForceRelease(cmd.Context(), key)
				if err != nil {
					failed = append(failed, key)
					writeLine(cmd.ErrOrStderr(), "%s: %v", key, err)
					continue
				}
				writeLine(cmd.OutOrStdout(), "%s: released (was reserved=%t)", key, prev.IsReserved)
			}
			if len(failed) > 0 {
				return fmt.Errorf("reclaim failed for %s", strings.Join(failed, ", "))
			}
			return nil
		},
	}
}

func newSweepCommand(baseLogger pslog.Logger) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Reclaim slots whose holders stopped renewing (one-shot)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			admin, err := openAdmin(cmd, baseLogger, "cli.sweep")
			if err != nil {
				return err
			}
			defer admin.close()
			cfg, err := bindConfig()
			if err != nil {
				return err
			}
			report, err := admin.svc.SweepStale(cmd.Context(), core.SweepOptions{
				Threshold:      cfg.StaleAfter,
				ReclaimOrphans: cfg.ReclaimOrphans,
				DryRun:         dryRun,
			})
			if err != nil {
				return err
			}
			return renderSweep(cmd.OutOrStdout(), report, dryRun)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be reclaimed without writing")
	return cmd
}

func renderSweep(w io.Writer, report *core.SweepReport, dryRun bool) error {
	writeLine(w, "scanned:   %d (%d reserved)", report.Scanned, report.Reserved)
	writeLine(w, "stale:     %s", joinKeys(report.Stale))
	writeLine(w, "orphans:   %s", joinKeys(report.Orphans))
	writeLine(w, "unaged:    %s", joinKeys(report.Unaged))
	writeLine(w, "corrupt:   %s", joinKeys(report.Corrupt))
	if dryRun {
		writeLine(w, "dry run: nothing reclaimed")
	} else {
		writeLine(w, "reclaimed: %s", joinKeys(report.Reclaimed))
	}
	if len(report.Failed) == 0 {
		return nil
	}
	keys := make([]string, 0, len(report.Failed))
	for key := range report.Failed {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		writeLine(w, "failed %s: %s", key, report.Failed[key])
	}
	return fmt.Errorf("%d slot(s) could not be reclaimed", len(report.Failed))
}

func joinKeys(keys []string) string {
	if len(keys) == 0 {
		return "-"
	}
	return strings.Join(keys, ", ")
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
