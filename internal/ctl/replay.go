package ctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"simlab-telemetry/internal/page"
	"simlab-telemetry/internal/security"
	"simlab-telemetry/internal/telemetry/collector"
	"simlab-telemetry/internal/telemetry/sink"
)

type replayOptions struct {
	server   string
	module   string
	token    string
	user     string
	org      string
	gzip     bool
	frame    bool
	consent  bool
	realtime bool
}

// replayResult is printed when a replay finishes.
type replayResult struct {
	SessionID string          `json:"session_id"`
	ModuleID  string          `json:"module_id"`
	Steps     int             `json:"steps"`
	Stats     collector.Stats `json:"stats"`
}

var replayOpts replayOptions

var replayCmd = &cobra.Command{
	Use:   "replay [script]",
	Short: "Replay a JSON-lines page script through a collector into an event sink",
	Long: `Replay starts a session on the sink, feeds every script step through a collector
exactly as live page input would flow, ends the session and prints the collector's stats.

Each line is a page event ({"kind":"keydown","code":"KeyW",...}) or an action
({"action":"pause"}; actions: pause, resume, unity_focus, unity_blur, game_event).
The script is read from stdin when no file is given or the file is "-".`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := cmd.InOrStdin()
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("opening script: %w", err)
			}
			defer f.Close()
			in = f
		}
		res, err := runReplay(cmd.Context(), cmd.ErrOrStderr(), replayOpts, in)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	f := replayCmd.Flags()
	f.StringVar(&replayOpts.server, "server", "", "event sink base URL (default $EVENT_SINK_URL)")
	f.StringVar(&replayOpts.module, "module", "", "module id for the session")
	f.StringVar(&replayOpts.token, "token", "", "bearer token for the sink")
	f.StringVar(&replayOpts.user, "user", "", "mint a token for this user from $JWT_PRIVATE_KEY")
	f.StringVar(&replayOpts.org, "org", "", "organization claim for a minted token")
	f.BoolVar(&replayOpts.gzip, "gzip", false, "gzip event batches")
	f.BoolVar(&replayOpts.frame, "frame", false, "treat the runtime as frame-embedded (needs unity_focus steps)")
	f.BoolVar(&replayOpts.consent, "consent", true, "whether the player granted consent")
	f.BoolVar(&replayOpts.realtime, "realtime", false, "honour delay_ms between steps")
	_ = replayCmd.MarkFlagRequired("module")
	rootCmd.AddCommand(replayCmd)
}

func runReplay(ctx context.Context, stderr io.Writer, o replayOptions, script io.Reader) (*replayResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	steps, err := parseScript(script)
	if err != nil {
		return nil, err
	}
	server := o.server
	if server == "" {
		server = cfg.EventSinkURL
	}
	if server == "" {
		return nil, errors.New("no sink: pass --server or set EVENT_SINK_URL")
	}
	token, err := replayToken(o)
	if err != nil {
		return nil, err
	}

	sessions, err := sink.NewSessionClient(server, sink.Options{Token: token})
	if err != nil {
		return nil, err
	}
	started, err := sessions.Start(ctx, o.module)
	if err != nil {
		return nil, fmt.Errorf("starting session: %w", err)
	}
	events, err := sink.New(sessions.EventsURL(), sink.Options{Token: token, Gzip: o.gzip})
	if err != nil {
		return nil, err
	}

	bus := page.NewBus()
	c, err := collector.New(events, collector.Options{
		Source:           bus,
		MaxBufferSize:    cfg.MaxBufferSize,
		ExitFlushTimeout: cfg.ExitFlushTimeoutDuration(),
		FrameTransport:   o.frame,
		Logger:           newLogger(stderr),
	})
	if err != nil {
		return nil, err
	}
	c.Initialize(collector.Config{
		Session:        started.Descriptor(),
		ConsentGranted: o.consent,
		Policy:         started.OrgSettings,
	})

	for _, s := range steps {
		if o.realtime && s.DelayMs > 0 {
			select {
			case <-time.After(s.delay()):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if err := s.apply(c, bus); err != nil {
			return nil, fmt.Errorf("script line %d: %w", s.line, err)
		}
	}

	if err := c.EndSession(ctx); err != nil {
		return nil, fmt.Errorf("final upload: %w", err)
	}
	if err := sessions.End(ctx, started.SessionID); err != nil {
		return nil, fmt.Errorf("ending session: %w", err)
	}
	return &replayResult{
		SessionID: started.SessionID,
		ModuleID:  started.ModuleID,
		Steps:     len(steps),
		Stats:     c.Stats(),
	}, nil
}

func replayToken(o replayOptions) (sink.TokenSource, error) {
	switch {
	case o.token != "":
		return sink.StaticToken(o.token), nil
	case o.user != "":
		tokens, err := tokenProvider()
		if err != nil {
			return nil, err
		}
		return tokens.TokenSource(o.user, o.org), nil
	}
	return nil, nil
}

// tokenProvider builds a signing provider from JWT_PRIVATE_KEY.
func tokenProvider() (*security.TokenProvider, error) {
	if cfg.JWTPrivateKey == "" {
		return nil, errors.New("JWT_PRIVATE_KEY is not set")
	}
	priv, err := security.ParsePrivateKey(cfg.JWTPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("parsing JWT_PRIVATE_KEY: %w", err)
	}
	return security.NewTokenProvider(priv, nil, cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL()), nil
}
