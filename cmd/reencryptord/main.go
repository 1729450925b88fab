// Command reencryptord hosts the re-encryption coordinator and exposes
// its operations as CLI verbs, the way cmd/rpcdaemon/commands/daemon.go
// wires a collaborator set behind a command surface rather than letting
// each API type construct its own dependencies.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ledgerwatch/reencryptor/internal/rlog"
	"github.com/ledgerwatch/reencryptor/reencryption"
)

var (
	logLevel  string
	logJSON   bool
	logFile   string
	batchSize int
	threads   int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "reencryptord",
	Short: "Encryption-zone key re-encryption coordinator",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: trace|debug|info|warn|error|crit")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit structured JSON logs")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also log to this rotating file")
	rootCmd.PersistentFlags().IntVar(&batchSize, "batch-size", int(reencryption.DefaultConfig.BatchSize), "EDEKs per batch")
	rootCmd.PersistentFlags().IntVar(&threads, "edek-threads", reencryption.DefaultConfig.EdekThreads, "KMS worker pool size")

	rootCmd.AddCommand(serveCmd, submitCmd, cancelCmd, removeCmd, statusCmd)
}

func buildHandler() (*reencryption.Handler, error) {
	logger, err := rlog.New(rlog.Config{Level: logLevel, JSON: logJSON, FilePath: logFile})
	if err != nil {
		return nil, err
	}

	cfg := reencryption.DefaultConfig
	cfg.BatchSize = batchSize
	cfg.EdekThreads = threads

	ns, kms, err := newOperatorBindings()
	if err != nil {
		return nil, fmt.Errorf("reencryptord: %w", err)
	}

	return reencryption.NewHandler(cfg, ns, kms, reencryption.SystemClock, logger)
}

// newOperatorBindings is the seam a real deployment fills in with its own
// namespace and KMS client implementations; both are out of this
// module's scope.
func newOperatorBindings() (reencryption.Namespace, reencryption.KMSClient, error) {
	return nil, nil, fmt.Errorf("no namespace/KMS bindings configured: link an operator-specific build that supplies reencryption.Namespace and reencryption.KMSClient")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := buildHandler()
		if err != nil {
			return err
		}
		reencryption.Init()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		h.Start(ctx)
		<-ctx.Done()
		h.Stop()
		return nil
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit <zoneId> <keyVersion>",
	Short: "Submit an encryption zone for re-encryption",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		zone, err := parseZoneId(args[0])
		if err != nil {
			return err
		}
		h, err := buildHandler()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		return h.Submit(ctx, zone, args[1])
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <zoneId>",
	Short: "Cancel an in-progress re-encryption",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		zone, err := parseZoneId(args[0])
		if err != nil {
			return err
		}
		h, err := buildHandler()
		if err != nil {
			return err
		}
		return h.CancelZone(zone)
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <zoneId>",
	Short: "Remove a zone from the working set",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		zone, err := parseZoneId(args[0])
		if err != nil {
			return err
		}
		h, err := buildHandler()
		if err != nil {
			return err
		}
		return h.RemoveZone(zone)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [zoneId]",
	Short: "Print zone status, one per line",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := buildHandler()
		if err != nil {
			return err
		}

		var want *reencryption.ZoneId
		if len(args) == 1 {
			z, err := parseZoneId(args[0])
			if err != nil {
				return err
			}
			want = &z
		}

		for _, st := range h.ListStatus() {
			if want != nil && st.Zone != *want {
				continue
			}
			fmt.Printf("zone=%d phase=%s files=%d failures=%d checkpoint=%q\n",
				st.Zone, st.Phase, st.FilesReencrypted, st.NumFailures, st.LastCheckpointFile)
		}
		return nil
	},
}

func parseZoneId(s string) (reencryption.ZoneId, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid zone id %q: %w", s, err)
	}
	return reencryption.ZoneId(n), nil
}
