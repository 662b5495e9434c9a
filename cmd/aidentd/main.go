// Command aidentd is an RFC 1413 ident responder meant to be run by
// inetd (or an equivalent super-server) with the query socket on
// stdin/stdout, optionally forwarding queries for NAT-masqueraded
// connections to their true origin host via conntrack.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cuemby/aidentd/internal/conntrack"
	"github.com/cuemby/aidentd/internal/daemon"
	"github.com/cuemby/aidentd/internal/deadline"
	"github.com/cuemby/aidentd/internal/forward"
	"github.com/cuemby/aidentd/internal/metrics"
	"github.com/cuemby/aidentd/internal/privilege"
	"github.com/cuemby/aidentd/pkg/log"
)

// Version is set via ldflags at build time.
var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var opts struct {
	timeoutSeconds int
	user           string
	group          string
	keepPrivileges bool
	fixedResult    string
	localOnly      bool
	conntrackPath  string
	verbosity      int
	quiet          int
	useStderr      bool
	validateIP     bool
	acceptExtIP    bool
	forwardOrigIP  bool
	metricsFile    string
	configPath     string
}

var rootCmd = &cobra.Command{
	Use:     "aidentd",
	Short:   "RFC 1413 ident responder with NAT-forwarding support",
	Long:    "aidentd answers a single ident query on stdin/stdout, as run by inetd, resolving the requesting local socket to its owning user and optionally forwarding the query across NAT via conntrack.",
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("aidentd %s\n", Version))

	flags := rootCmd.Flags()
	flags.IntVarP(&opts.timeoutSeconds, "timeout", "t", 5, "timeout in seconds for the lookup, including forwarding")
	flags.StringVarP(&opts.user, "user", "u", "", "run as this user (default is to drop root to a dedicated account)")
	flags.StringVarP(&opts.group, "group", "g", "", "run as this group (default is to drop root to a dedicated account)")
	flags.BoolVarP(&opts.keepPrivileges, "keep-privileges", "k", false, "keep uid/gid and all privileges unchanged")
	flags.StringVarP(&opts.fixedResult, "fixed", "f", "", "fixed response to local (non-forwarded) queries: '!' suppress, '*' NO-USER, '?' HIDDEN-USER, or a literal userid")
	flags.BoolVarP(&opts.localOnly, "local-only", "l", false, "disable NAT forwarding")
	flags.StringVarP(&opts.conntrackPath, "conntrack", "c", conntrack.DefaultPath, "path to the conntrack executable, needed for forwarding")
	flags.CountVarP(&opts.verbosity, "verbose", "v", "increase logging verbosity (repeatable)")
	flags.CountVarP(&opts.quiet, "quiet", "q", "decrease logging verbosity (repeatable)")
	flags.BoolVarP(&opts.useStderr, "stderr", "e", false, "log to stderr (logs always go to stderr; this flag does not change where they go)")
	flags.BoolVarP(&opts.validateIP, "validate-ip", "i", false, "require the destination IP to match the querying client, not just the port pair")
	flags.BoolVarP(&opts.acceptExtIP, "accept-ip", "a", false, "accept a custom address in incoming queries, for matching forwarded NAT queries by IP")
	flags.BoolVarP(&opts.forwardOrigIP, "forward-ip", "A", false, "include the original resolved IP address when forwarding queries (non-standard extension)")
	flags.StringVar(&opts.metricsFile, "metrics-file", "", "write a node_exporter textfile-collector metrics file here after serving the query")
	flags.StringVar(&opts.configPath, "config", "", "YAML file of defaults for the options above (explicit flags still win)")
}

func run(cmd *cobra.Command, args []string) error {
	if opts.configPath != "" {
		fc, err := loadFileConfig(opts.configPath)
		if err != nil {
			return err
		}
		applyFileConfig(fc, cmd.Flags().Changed)
	}

	verbosity := opts.verbosity - opts.quiet
	log.Init(log.Config{
		Level:  log.LevelFromVerbosity(verbosity),
		Output: os.Stderr,
	})

	queryID := uuid.NewString()
	logger := log.WithQueryID(queryID)

	cfg := daemon.Config{
		TimeoutSeconds:    opts.timeoutSeconds,
		ValidateIP:        opts.validateIP,
		AcceptExtensionIP: opts.acceptExtIP,
		ForwardOriginalIP: opts.forwardOrigIP,
		ForwardingEnabled: !opts.localOnly,
		Fixed:             daemon.FixedResult{Set: opts.fixedResult != "", Value: opts.fixedResult},
		ConntrackPath:     opts.conntrackPath,
		ForwardPort:       forward.DefaultPort,
	}

	target, err := resolveTarget(opts.user, opts.group, opts.keepPrivileges, cfg.ForwardingEnabled, opts.conntrackPath)
	if err != nil {
		return fmt.Errorf("resolving run-as identity: %w", err)
	}

	ctl := deadline.New()

	if !opts.keepPrivileges {
		if err := privilege.Reduce(ctl, target); err != nil {
			logger.Error().Err(err).Msg("failed to drop privileges")
			return err
		}
	}

	peer := daemon.PeerFromStdin()

	start := time.Now()
	resp := daemon.Serve(context.Background(), ctl, cfg, peer, os.Stdin)
	duration := time.Since(start)

	line := resp.Encode()
	if line != "" {
		if _, err := fmt.Fprint(os.Stdout, line); err != nil {
			logger.Error().Err(err).Msg("writing response failed")
		}
	}

	if opts.metricsFile != "" {
		if err := metrics.WriteTextfile(opts.metricsFile, metrics.Snapshot{
			Outcome:  outcomeFor(resp),
			Duration: duration,
		}); err != nil {
			logger.Warn().Err(err).Str("path", opts.metricsFile).Msg("failed to write metrics textfile")
		}
	}

	return nil
}

func outcomeFor(resp daemon.Response) metrics.Outcome {
	switch {
	case resp.Suppressed:
		return metrics.OutcomeSuppressed
	case resp.Found && resp.Forwarded:
		return metrics.OutcomeForwarded
	case resp.Found:
		return metrics.OutcomeLocal
	case resp.ErrorToken == "INVALID-PORT":
		return metrics.OutcomeInvalid
	case resp.ErrorToken == "UNKNOWN-ERROR":
		return metrics.OutcomeTimedOut
	default:
		return metrics.OutcomeNoUser
	}
}
