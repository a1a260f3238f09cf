package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/markus-lassfolk/netlocd/pkg"
	"github.com/markus-lassfolk/netlocd/pkg/api"
	"github.com/markus-lassfolk/netlocd/pkg/apdb"
	"github.com/markus-lassfolk/netlocd/pkg/history"
	"github.com/markus-lassfolk/netlocd/pkg/logx"
	"github.com/markus-lassfolk/netlocd/pkg/netloc"
	"github.com/markus-lassfolk/netlocd/pkg/pidfile"
	"github.com/markus-lassfolk/netlocd/pkg/uci"
	"github.com/markus-lassfolk/netlocd/pkg/wps"
)

// Command line flags
var (
	apiURL       = flag.String("api", "http://127.0.0.1:8765", "netlocd API base URL")
	authKey      = flag.String("auth", "", "API authentication key")
	outputFormat = flag.String("format", "standard", "Output format: standard, json")
	timeout      = flag.Duration("timeout", 30*time.Second, "Operation timeout")
	logLevel     = flag.String("log-level", "warn", "Log level (debug|info|warn|error|trace)")
	version      = flag.Bool("version", false, "Show version information")

	// lookup
	server = flag.String("server", string(wps.ServerApple), "Positioning server for lookup (apple|grapheneos)")
	signal = flag.Int("signal", 0, "Signal strength in dBm for the lookup accuracy estimate")

	// request / reload
	persist = flag.Bool("persist", false, "Also write the request to UCI (request command)")
	pidPath = flag.String("pid-file", "/var/run/netlocd.pid", "netlocd PID file (reload command)")
)

const (
	AppName    = "netlocctl"
	AppVersion = "1.0.0"
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `Usage: %s [flags] <command> [args]

Commands:
  status                          Show provider state
  location                        Show the last emitted location
  history [N]                     Show the N most recent locations
  observations [N]                Show the N most recent access point lookups
  request <interval_ms> [delay]   Install an active request (delay = max update delay in ms)
  request off                     Stop the provider
  flush                           Deliver batched locations now
  lookup <bssid>                  Query the positioning server directly
  reload                          Ask netlocd to reload its configuration

Flags:
`, AppName)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	logger := logx.NewLogger(*logLevel, AppName)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, logger, os.Stdout, flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *logx.Logger, w io.Writer, command string, args []string) error {
	client := newAPIClient(*apiURL, *authKey)
	asJSON := *outputFormat == "json"

	switch command {
	case "status":
		var resp api.StatusResponse
		if err := client.call(ctx, http.MethodGet, "/api/status", nil, nil, &resp); err != nil {
			return err
		}
		if asJSON {
			return writeJSON(w, resp)
		}
		printStatus(w, resp)

	case "location":
		var loc pkg.Location
		if err := client.call(ctx, http.MethodGet, "/api/location", nil, nil, &loc); err != nil {
			return err
		}
		if asJSON {
			return writeJSON(w, loc)
		}
		printLocation(w, loc)

	case "history":
		query, err := limitQuery(args)
		if err != nil {
			return err
		}
		var entries []history.Entry
		if err := client.call(ctx, http.MethodGet, "/api/history", query, nil, &entries); err != nil {
			return err
		}
		if asJSON {
			return writeJSON(w, entries)
		}
		printHistory(w, entries)

	case "observations":
		query, err := limitQuery(args)
		if err != nil {
			return err
		}
		var resp struct {
			Stats        apdb.Stats         `json:"stats"`
			Observations []apdb.Observation `json:"observations"`
		}
		if err := client.call(ctx, http.MethodGet, "/api/observations", query, nil, &resp); err != nil {
			return err
		}
		if asJSON {
			return writeJSON(w, resp)
		}
		printObservations(w, resp.Stats, resp.Observations)

	case "request":
		policy, err := parseRequest(args)
		if err != nil {
			return err
		}
		var installed pkg.RequestPolicy
		if err := client.call(ctx, http.MethodPost, "/api/request", nil, policy, &installed); err != nil {
			return err
		}
		if *persist {
			if err := persistRequest(ctx, logger, installed); err != nil {
				return err
			}
		}
		if asJSON {
			return writeJSON(w, installed)
		}
		printPolicy(w, installed)

	case "flush":
		var resp api.FlushResponse
		if err := client.call(ctx, http.MethodPost, "/api/flush", nil, nil, &resp); err != nil {
			return err
		}
		if asJSON {
			return writeJSON(w, resp)
		}
		fmt.Fprintln(w, "Flush complete")

	case "lookup":
		if len(args) != 1 {
			return fmt.Errorf("usage: lookup <bssid>")
		}
		return lookup(ctx, logger, w, args[0], asJSON)

	case "reload":
		if err := pidfile.New(*pidPath).Signal(syscall.SIGHUP); err != nil {
			return err
		}
		fmt.Fprintln(w, "Reload requested")

	default:
		return fmt.Errorf("unknown command %q", command)
	}
	return nil
}

func limitQuery(args []string) (url.Values, error) {
	if len(args) == 0 {
		return nil, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("invalid count %q", args[0])
	}
	return url.Values{"limit": {strconv.Itoa(n)}}, nil
}

// parseRequest turns "off" or "<interval_ms> [max_update_delay_ms]" into a
// request policy
func parseRequest(args []string) (pkg.RequestPolicy, error) {
	if len(args) == 1 && strings.EqualFold(args[0], "off") {
		return pkg.InactiveRequest, nil
	}
	if len(args) == 0 || len(args) > 2 {
		return pkg.RequestPolicy{}, fmt.Errorf("usage: request <interval_ms> [max_update_delay_ms] | request off")
	}

	interval, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || interval <= 0 {
		return pkg.RequestPolicy{}, fmt.Errorf("invalid interval %q", args[0])
	}
	policy := pkg.RequestPolicy{Active: true, IntervalMillis: interval, WorkSource: AppName}
	if len(args) == 2 {
		delay, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || delay < 0 {
			return pkg.RequestPolicy{}, fmt.Errorf("invalid max update delay %q", args[1])
		}
		policy.MaxUpdateDelayMillis = delay
	}
	return policy, nil
}

func persistRequest(ctx context.Context, logger *logx.Logger, policy pkg.RequestPolicy) error {
	u := uci.NewUCI(logger)
	options := [][2]string{{"enable", "0"}}
	if policy.Active {
		options = [][2]string{
			{"enable", "1"},
			{"interval_ms", strconv.FormatInt(policy.IntervalMillis, 10)},
			{"max_update_delay_ms", strconv.FormatInt(policy.MaxUpdateDelayMillis, 10)},
		}
	}
	for _, opt := range options {
		if err := u.SetOption(ctx, "main", opt[0], opt[1]); err != nil {
			return fmt.Errorf("failed to persist %s: %w", opt[0], err)
		}
	}
	return u.Commit(ctx)
}

func lookup(ctx context.Context, logger *logx.Logger, w io.Writer, raw string, asJSON bool) error {
	bssid, err := pkg.ParseBSSID(raw)
	if err != nil {
		return err
	}
	srv, err := wps.ParseServer(*server)
	if err != nil {
		return err
	}

	client := wps.NewClient(srv, wps.WithLogger(logger))
	result, err := client.Lookup(ctx, bssid)
	if err != nil {
		return err
	}

	if asJSON {
		return writeJSON(w, result)
	}
	printLookup(w, bssid, result, *signal)
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printStatus(w io.Writer, resp api.StatusResponse) {
	st := resp.Status
	fmt.Fprintf(w, "State:            %s\n", st.State)
	fmt.Fprintf(w, "Available:        %t\n", resp.Available)
	fmt.Fprintf(w, "Uptime:           %s (since %s)\n", resp.Uptime, humanize.Time(resp.StartedAt))
	printPolicy(w, st.Policy)
	fmt.Fprintf(w, "Cycles:           %s (%s complete)\n", humanize.Comma(st.Cycles), humanize.Comma(st.CompleteCycles))
	fmt.Fprintf(w, "Cache:            %d known, %d unknown (%s hits, %s misses)\n",
		st.Cache.Known, st.Cache.Unknown, humanize.Comma(st.Cache.Hits), humanize.Comma(st.Cache.Misses))
	if st.Batching {
		fmt.Fprintf(w, "Pending:          %d locations\n", st.PendingLocations)
	}
	if st.LastLocation != nil {
		fmt.Fprintf(w, "Last location:    %.6f, %.6f (±%.0f m, %s)\n",
			st.LastLocation.Latitude, st.LastLocation.Longitude,
			st.LastLocation.AccuracyMeters, humanize.Time(st.LastLocation.WallClock))
	}
	if st.LastError != "" {
		fmt.Fprintf(w, "Last error:       %s\n", st.LastError)
	}
}

func printPolicy(w io.Writer, p pkg.RequestPolicy) {
	if !p.Active {
		fmt.Fprintln(w, "Request:          inactive")
		return
	}
	mode := "immediate"
	if p.IsBatching() {
		mode = fmt.Sprintf("batched, up to %d per %s", p.BatchSize(), p.MaxUpdateDelay())
	}
	fmt.Fprintf(w, "Request:          every %s (%s)\n", p.Interval(), mode)
}

func printLocation(w io.Writer, loc pkg.Location) {
	fmt.Fprintf(w, "Latitude:   %.8f\n", loc.Latitude)
	fmt.Fprintf(w, "Longitude:  %.8f\n", loc.Longitude)
	fmt.Fprintf(w, "Accuracy:   %.1f m\n", loc.AccuracyMeters)
	fmt.Fprintf(w, "Time:       %s (%s)\n", loc.WallClock.UTC().Format(time.RFC3339), humanize.Time(loc.WallClock))
	fmt.Fprintf(w, "Via:        %s at %d dBm\n", loc.BSSID, loc.SignalDBm)
	fmt.Fprintf(w, "Map:        %s\n", mapLink(loc.Latitude, loc.Longitude))
}

func mapLink(lat, lon float64) string {
	return fmt.Sprintf("https://www.openstreetmap.org/?mlat=%.6f&mlon=%.6f#map=17/%.6f/%.6f", lat, lon, lat, lon)
}

func printHistory(w io.Writer, entries []history.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No locations recorded")
		return
	}
	for _, e := range entries {
		batch := ""
		if e.Batched {
			batch = " [batch]"
		}
		fmt.Fprintf(w, "#%-6d %-14s %12.6f %12.6f ±%5.0f m  %s%s\n",
			e.Sequence, humanize.Time(e.Location.WallClock),
			e.Location.Latitude, e.Location.Longitude, e.Location.AccuracyMeters,
			e.Location.BSSID, batch)
	}
}

func printObservations(w io.Writer, stats apdb.Stats, obs []apdb.Observation) {
	fmt.Fprintf(w, "Lookups: %s total, %s resolved, %s no fix, %s errors, %s access points\n",
		humanize.Comma(int64(stats.Total)), humanize.Comma(int64(stats.Resolved)),
		humanize.Comma(int64(stats.NoFix)), humanize.Comma(int64(stats.Errors)),
		humanize.Comma(int64(stats.UniqueBSSIDs)))
	for _, o := range obs {
		fmt.Fprintf(w, "%-14s %s %4d dBm  %-8s %s\n",
			humanize.Time(o.Timestamp), o.BSSID, o.SignalDBm, o.Outcome, o.Reason)
	}
}

func printLookup(w io.Writer, bssid pkg.BSSID, r wps.Result, signalDBm int) {
	if !r.Resolved() {
		fmt.Fprintf(w, "%s: no fix (%s)\n", bssid, r.Reason)
		return
	}
	ap := r.AccessPoint
	fmt.Fprintf(w, "BSSID:      %s\n", ap.BSSID)
	fmt.Fprintf(w, "Latitude:   %.8f\n", ap.Latitude())
	fmt.Fprintf(w, "Longitude:  %.8f\n", ap.Longitude())
	fmt.Fprintf(w, "Accuracy:   %d m\n", ap.AccuracyMeters)
	if signalDBm != 0 {
		fmt.Fprintf(w, "Estimate:   ±%.1f m at %d dBm\n", netloc.EstimateAccuracy(ap, signalDBm), signalDBm)
	}
	fmt.Fprintf(w, "Map:        %s\n", mapLink(ap.Latitude(), ap.Longitude()))
}
