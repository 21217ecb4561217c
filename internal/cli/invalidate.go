package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"

	"github.com/spf13/cobra"
)

var invalidateCmd = &cobra.Command{
	Use:   "invalidate [pattern]",
	Short: "Drop cached responses matching a glob pattern on a running instance",
	Args:  cobra.ExactArgs(1),
	Run:   runInvalidate,
}

var resetBreakersCmd = &cobra.Command{
	Use:   "reset-breakers",
	Short: "Close every circuit breaker on a running instance",
	Run:   runResetBreakers,
}

func init() {
	invalidateCmd.Flags().StringVar(&adminAddr, "addr", "http://localhost:8080", "admin server address")
	resetBreakersCmd.Flags().StringVar(&adminAddr, "addr", "http://localhost:8080", "admin server address")
	rootCmd.AddCommand(invalidateCmd, resetBreakersCmd)
}

func runInvalidate(cmd *cobra.Command, args []string) {
	pattern := args[0]

	var out struct {
		Removed int `json:"removed"`
	}
	postAdmin("/cache/invalidate?pattern="+url.QueryEscape(pattern), &out)

	fmt.Printf("Removed %d cached response(s) matching %s\n", out.Removed, pattern)
}

func runResetBreakers(cmd *cobra.Command, args []string) {
	postAdmin("/breakers/reset", nil)
	fmt.Println("Circuit breakers reset")
}

func postAdmin(path string, out any) {
	resp, err := adminClient.Post(adminAddr+path, "application/json", nil)
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
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			slog.Error("Failed to decode response", "error", err)
			os.Exit(1)
		}
	}
}
