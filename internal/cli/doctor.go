package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"
	"github.com/tobert/otlp-debugz/internal/debugapi"
	"github.com/urfave/cli/v3"
)

// DoctorCommand returns the CLI command definition for the 'doctor' subcommand.
// This command checks a running otlp-debugz over HTTP.
func DoctorCommand(version string) *cli.Command {
	return &cli.Command{
		Name:  "doctor",
		Usage: "Check that a running otlp-debugz is reachable and reporting",
		Description: `Check the diagnostics HTTP server of a running otlp-debugz.

This command checks:
  - Effective configuration loads
  - /otel-spans answers with a span report
  - /memory-usage and /memory-usage-in-mem-cache (when diagnostics are enabled)
  - /metrics is served

Exit codes:
  0 - All critical checks passed
  1 - One or more issues found`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Diagnostics server address (default from config)",
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to config file",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			addr := cmd.String("addr")
			if addr == "" {
				cfg, err := LoadEffectiveConfig(cmd.String("config"))
				if err != nil {
					return err
				}
				addr = cfg.HTTPAddr()
			}
			return runDoctor(ctx, os.Stdout, version, "http://"+addr, newDoctorClient())
		},
	}
}

// newDoctorClient retries connection failures briefly so doctor can run
// right after serve starts. HTTP error statuses are reported, not retried.
func newDoctorClient() *http.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = time.Second
	rc.Logger = nil
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return err != nil, nil
	}
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	client := rc.StandardClient()
	client.Timeout = 10 * time.Second
	return client
}

type checkResult struct {
	Name       string
	Status     string // "pass", "warn", "fail"
	Message    string
	Suggestion string
	IsCritical bool
}

type checker struct {
	ctx     context.Context
	baseURL string
	client  *http.Client
}

func (p *checker) get(path string) (int, string, error) {
	req, err := http.NewRequestWithContext(p.ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return 0, "", err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, "", err
	}
	return resp.StatusCode, string(body), nil
}

func runDoctor(ctx context.Context, out io.Writer, version, baseURL string, client *http.Client) error {
	fmt.Fprintf(out, "🔍 otlp-debugz doctor v%s (%s)\n\n", version, baseURL)

	p := &checker{ctx: ctx, baseURL: strings.TrimSuffix(baseURL, "/"), client: client}
	checks := []func(*checker) checkResult{
		checkSpans,
		checkMemoryUsage,
		checkCacheCensus,
		checkMetrics,
	}

	results := make([]checkResult, 0, len(checks))
	for _, check := range checks {
		result := check(p)
		results = append(results, result)
		printCheckResult(out, result)
	}

	fmt.Fprintln(out)
	summary := summarizeResults(results)
	printSummary(out, summary)

	if summary.FailCount > 0 {
		return fmt.Errorf("found %d issues that need attention", summary.FailCount)
	}

	return nil
}

func printCheckResult(out io.Writer, result checkResult) {
	var icon string
	switch result.Status {
	case "pass":
		icon = "✓"
	case "warn":
		icon = "⚠"
	case "fail":
		icon = "✗"
	}

	fmt.Fprintf(out, "%s %s\n", icon, result.Message)

	if result.Suggestion != "" {
		fmt.Fprintf(out, "  %s\n", result.Suggestion)
	}
}

type resultSummary struct {
	PassCount int
	WarnCount int
	FailCount int
}

func summarizeResults(results []checkResult) resultSummary {
	var summary resultSummary
	for _, r := range results {
		switch r.Status {
		case "pass":
			summary.PassCount++
		case "warn":
			summary.WarnCount++
		case "fail":
			summary.FailCount++
		}
	}
	return summary
}

func printSummary(out io.Writer, summary resultSummary) {
	if summary.FailCount > 0 {
		fmt.Fprintf(out, "❌ Found %d issue(s) that need attention\n", summary.FailCount)
		if summary.WarnCount > 0 {
			fmt.Fprintf(out, "⚠️  %d warning(s)\n", summary.WarnCount)
		}
	} else if summary.WarnCount > 0 {
		fmt.Fprintf(out, "✅ All critical checks passed!\n")
		fmt.Fprintf(out, "⚠️  %d optional warning(s)\n", summary.WarnCount)
	} else {
		fmt.Fprintf(out, "✅ All checks passed!\n")
	}
}

func unreachable(name string, err error) checkResult {
	return checkResult{
		Name:       name,
		Status:     "fail",
		Message:    "Diagnostics server not reachable",
		Suggestion: fmt.Sprintf("Start it with 'otlp-debugz serve' (error: %v)", err),
		IsCritical: true,
	}
}

// Check 1: span report
func checkSpans(p *checker) checkResult {
	code, body, err := p.get(debugapi.PathOtelSpans)
	if err != nil {
		return unreachable("otel_spans", err)
	}
	if code != http.StatusOK || !gjson.Valid(body) {
		return checkResult{
			Name:       "otel_spans",
			Status:     "fail",
			Message:    fmt.Sprintf("Span report failed with status %d", code),
			Suggestion: strings.TrimSpace(gjson.Get(body, "error").String()),
			IsCritical: true,
		}
	}

	spans := gjson.Get(body, "otel_spans").Array()
	parents := 0
	gjson.Get(body, "spans_grouped_by_parent").ForEach(func(_, _ gjson.Result) bool {
		parents++
		return true
	})
	msg := fmt.Sprintf("Span report: %d spans, %d parents", len(spans), parents)
	if recent := gjson.Get(body, "most_recent_parent"); recent.Type == gjson.String {
		msg += fmt.Sprintf(", most recent parent %s", recent.String())
	}
	return checkResult{Name: "otel_spans", Status: "pass", Message: msg}
}

// Check 2: memory report
func checkMemoryUsage(p *checker) checkResult {
	code, body, err := p.get(debugapi.PathMemoryUsage)
	if err != nil {
		return unreachable("memory_usage", err)
	}
	switch code {
	case http.StatusOK:
		sites := gjson.Get(body, "top_50_memory_usage").Array()
		return checkResult{
			Name:    "memory_usage",
			Status:  "pass",
			Message: fmt.Sprintf("Memory report: %d allocation sites", len(sites)),
		}
	case http.StatusNotFound:
		return checkResult{
			Name:       "memory_usage",
			Status:     "warn",
			Message:    "Optional: memory diagnostics disabled",
			Suggestion: "Restart with --diagnostics or DEBUGZ_PROFILE=true",
		}
	default:
		return checkResult{
			Name:       "memory_usage",
			Status:     "fail",
			Message:    fmt.Sprintf("Memory report failed with status %d", code),
			Suggestion: gjson.Get(body, "error").String(),
		}
	}
}

// Check 3: cache census
func checkCacheCensus(p *checker) checkResult {
	code, body, err := p.get(debugapi.PathCacheUsage)
	if err != nil {
		return unreachable("cache_census", err)
	}
	switch code {
	case http.StatusOK:
		var parts []string
		gjson.Parse(body).ForEach(func(key, value gjson.Result) bool {
			parts = append(parts, fmt.Sprintf("%s=%d", key.String(), value.Int()))
			return true
		})
		return checkResult{
			Name:    "cache_census",
			Status:  "pass",
			Message: "Cache census: " + strings.Join(parts, " "),
		}
	case http.StatusNotFound:
		return checkResult{
			Name:    "cache_census",
			Status:  "warn",
			Message: "Optional: cache census disabled",
		}
	default:
		msg := fmt.Sprintf("Cache census failed with status %d", code)
		if name := gjson.Get(body, "cache").String(); name != "" {
			msg = fmt.Sprintf("Cache %s is not initialized", name)
		}
		return checkResult{
			Name:       "cache_census",
			Status:     "fail",
			Message:    msg,
			Suggestion: gjson.Get(body, "error").String(),
		}
	}
}

// Check 4: prometheus metrics
func checkMetrics(p *checker) checkResult {
	code, body, err := p.get(debugapi.PathMetrics)
	if err != nil {
		return unreachable("metrics", err)
	}
	if code != http.StatusOK || !strings.Contains(body, "debugz_http_requests_total") {
		return checkResult{
			Name:    "metrics",
			Status:  "warn",
			Message: fmt.Sprintf("Optional: metrics endpoint returned status %d", code),
		}
	}
	return checkResult{Name: "metrics", Status: "pass", Message: "Metrics endpoint served"}
}
