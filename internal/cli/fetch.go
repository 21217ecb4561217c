package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/resilient/internal/control"
	"github.com/vietddude/resilient/internal/infra/engine"
	"github.com/vietddude/resilient/internal/infra/fault"
	"github.com/vietddude/resilient/internal/infra/transport"
)

var (
	fetchMethod   string
	fetchBody     string
	fetchRepeat   int
	fetchBatch    bool
	fetchPriority string
	fetchService  string
	fetchTimeout  time.Duration
)

var fetchCmd = &cobra.Command{
	Use:   "fetch [url...]",
	Short: "Issue requests through an in-process engine and print the results",
	Args:  cobra.MinimumNArgs(1),
	Run:   runFetch,
}

func init() {
	fetchCmd.Flags().StringVar(&fetchMethod, "method", "GET", "HTTP method")
	fetchCmd.Flags().StringVar(&fetchBody, "body", "", "request body")
	fetchCmd.Flags().IntVar(&fetchRepeat, "repeat", 1, "issue each request this many times concurrently")
	fetchCmd.Flags().BoolVar(&fetchBatch, "batch", false, "submit through the batch queue")
	fetchCmd.Flags().StringVar(&fetchPriority, "priority", "", "batch priority: low, medium, high, critical")
	fetchCmd.Flags().StringVar(&fetchService, "service", "", "circuit breaker service key")
	fetchCmd.Flags().DurationVar(&fetchTimeout, "timeout", time.Minute, "overall timeout")
	rootCmd.AddCommand(fetchCmd)
}

type fetchResult struct {
	url  string
	resp *transport.Response
	err  error
	took time.Duration
}

func runFetch(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)

	eng, _, err := control.NewEngine(cfg)
	if err != nil {
		slog.Error("Failed to initialize engine", "error", err)
		os.Exit(1)
	}
	defer eng.Close()

	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	rc := engine.RequestConfig{
		Method:     fetchMethod,
		Priority:   engine.Priority(fetchPriority),
		ServiceKey: fetchService,
		Batchable:  fetchBatch,
	}
	if fetchBody != "" {
		rc.Body = []byte(fetchBody)
	}

	results := make([]fetchResult, 0, len(args)*fetchRepeat)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, url := range args {
		for i := 0; i < fetchRepeat; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				start := time.Now()
				var resp *transport.Response
				var err error
				if fetchBatch {
					resp, err = eng.BatchRequest(ctx, url, rc)
				} else {
					resp, err = eng.Request(ctx, url, rc)
				}
				mu.Lock()
				results = append(results, fetchResult{url: url, resp: resp, err: err, took: time.Since(start)})
				mu.Unlock()
			}()
		}
	}
	wg.Wait()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, "URL\tSTATUS\tBYTES\tTOOK\tRESULT")
	failed := 0
	for _, r := range results {
		if r.err != nil {
			failed++
			_, _ = fmt.Fprintf(w, "%s\t-\t-\t%s\t%s\n", r.url, r.took.Round(time.Millisecond), describeError(r.err))
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n", r.url, r.resp.Status, len(r.resp.Body), r.took.Round(time.Millisecond), preview(r.resp.Body))
	}
	_ = w.Flush()

	out, _ := json.MarshalIndent(eng.Metrics(), "", "  ")
	fmt.Printf("\n%s\n", out)

	if failed > 0 {
		os.Exit(1)
	}
}

func describeError(err error) string {
	var ce *fault.ClassifiedError
	if errors.As(err, &ce) {
		s := fmt.Sprintf("%s/%s: %s", ce.Category, ce.Severity, ce.Message)
		if len(ce.Hints) > 0 {
			s += " (" + ce.Hints[0] + ")"
		}
		return s
	}
	return err.Error()
}

func preview(body []byte) string {
	s := strings.Join(strings.Fields(string(body)), " ")
	if len(s) > 60 {
		s = s[:60] + "..."
	}
	return s
}
