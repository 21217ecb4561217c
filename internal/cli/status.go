package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/resilient/internal/infra/engine"
)

var adminAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine statistics of a running instance",
	Run:   runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&adminAddr, "addr", "http://localhost:8080", "admin server address")
	rootCmd.AddCommand(statusCmd)
}

var adminClient = &http.Client{Timeout: 10 * time.Second}

func runStatus(cmd *cobra.Command, args []string) {
	resp, err := adminClient.Get(adminAddr + "/stats")
	if err != nil {
		slog.Error("Failed to reach admin server", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		slog.Error("Unexpected admin response", "status", resp.StatusCode)
		os.Exit(1)
	}

	var m engine.Metrics
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		slog.Error("Failed to decode stats", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "METRIC\tVALUE")
	_, _ = fmt.Fprintf(w, "online\t%t\n", m.Online)
	_, _ = fmt.Fprintf(w, "in_flight\t%d\n", m.InFlight)
	_, _ = fmt.Fprintf(w, "queued_batch\t%d\n", m.QueuedBatch)
	_, _ = fmt.Fprintf(w, "offline_queue\t%d\n", m.OfflineQueue)
	_, _ = fmt.Fprintf(w, "rate_limit_occupancy\t%d\n", m.RateLimitOccupancy)
	_, _ = fmt.Fprintf(w, "cache_entries\t%d\n", m.Cache.EntryCount)
	_, _ = fmt.Fprintf(w, "cache_bytes\t%d\n", m.Cache.TotalSizeBytes)
	_, _ = fmt.Fprintf(w, "cache_hit_rate\t%.2f\n", m.Cache.HitRate)
	_, _ = fmt.Fprintf(w, "cache_evictions\t%d\n", m.Cache.Evictions)
	_, _ = fmt.Fprintf(w, "errors_total\t%d\n", m.Errors.TotalErrors)
	_, _ = fmt.Fprintf(w, "retry_attempts\t%d\n", m.Errors.RetryAttempts)
	_, _ = fmt.Fprintf(w, "recovered\t%d\n", m.Errors.Recovered)
	_ = w.Flush()

	if len(m.Errors.Breakers) == 0 {
		return
	}
	keys := make([]string, 0, len(m.Errors.Breakers))
	for k := range m.Errors.Breakers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "SERVICE\tSTATE\tFAILURES")
	for _, k := range keys {
		b := m.Errors.Breakers[k]
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\n", k, b.State, b.ConsecutiveFailures)
	}
	_ = w.Flush()
}
