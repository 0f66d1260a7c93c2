package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/liveprobe/liveprobe/pkg/condition"
	"github.com/liveprobe/liveprobe/pkg/instrument"
	"github.com/liveprobe/liveprobe/pkg/probe"
)

func newAgentCommand() *cobra.Command {
	cfg := probe.DefaultAgentConfig()
	var metadata map[string]string

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the reference agent",
		Long: `Run a reference agent with a simulated weaver.

The agent connects to the control plane bridge, installs the instruments it
is sent and reads candidate hits from stdin, one per line:

  <source>:<line> [{"local": value, ...}]
  <source>#<symbol> [{"local": value, ...}]

Each line is gated by the instrument's condition and throttle and reported
to the control plane when it fires.`,
		Example: `  # Connect to a local control plane
  liveprobe agent --probe-id demo

  # Drive a hit on FileA line 10
  echo 'FileA:10 {"x": 10}' | liveprobe agent --probe-id demo --token $TOKEN`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Token == "" {
				cfg.Token = os.Getenv("LIVEPROBE_AGENT_TOKEN")
			}
			cfg.Metadata = metadata
			return runAgent(cmd.Context(), cfg, cmd.InOrStdin())
		},
	}

	cmd.Flags().StringVar(&cfg.URL, "url", cfg.URL, "control plane bridge url")
	cmd.Flags().StringVar(&cfg.ProbeID, "probe-id", "", "identifier announced to the control plane")
	cmd.Flags().StringVar(&cfg.Token, "token", "", "bridge auth token (default $LIVEPROBE_AGENT_TOKEN)")
	cmd.Flags().StringVar(&cfg.Codec, "codec", cfg.Codec, "wire codec: json or cbor")
	cmd.Flags().StringToStringVar(&metadata, "meta", nil, "metadata announced with the connection")
	_ = cmd.MarkFlagRequired("probe-id")

	return cmd
}

func runAgent(ctx context.Context, cfg probe.AgentConfig, in io.Reader) error {
	logger := log.Logger
	agent, err := probe.NewAgent(cfg, probe.NewSimulatedWeaver(), logger, nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()

	go func() {
		if err := feedHits(ctx, agent.Registry(), in); err != nil {
			log.Warn().Err(err).Msg("Stopped reading hits")
		}
	}()

	log.Info().Str("url", cfg.URL).Str("probe_id", cfg.ProbeID).Msg("Agent started")
	return <-done
}

// hitTarget is the part of the enforcement registry the hit reader drives.
type hitTarget interface {
	HitLocation(ctx context.Context, loc instrument.Location, snap *condition.Snapshot) (condition.Outcome, error)
}

// feedHits dispatches every stdin line to the instrument at its location.
func feedHits(ctx context.Context, target hitTarget, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		loc, snap, err := parseHitLine(line)
		if err != nil {
			log.Warn().Err(err).Str("line", line).Msg("Skipping malformed hit")
			continue
		}
		outcome, err := target.HitLocation(ctx, loc, snap)
		if err != nil {
			log.Warn().Err(err).Str("location", loc.String()).Msg("Hit not dispatched")
			continue
		}
		log.Info().Str("location", loc.String()).Str("outcome", outcome.String()).Msg("Hit dispatched")
	}
	return scanner.Err()
}

// parseHitLine parses "<location> [json-object]".
func parseHitLine(line string) (instrument.Location, *condition.Snapshot, error) {
	locPart, rest, _ := strings.Cut(line, " ")
	loc, err := instrument.ParseLocation(locPart)
	if err != nil {
		return instrument.Location{}, nil, err
	}

	snap := &condition.Snapshot{Thread: "main"}
	if rest = strings.TrimSpace(rest); rest != "" {
		if err := json.Unmarshal([]byte(rest), &snap.Locals); err != nil {
			return instrument.Location{}, nil, fmt.Errorf("invalid locals: %w", err)
		}
	}
	return loc, snap, nil
}

var _ hitTarget = (*probe.Registry)(nil)
