package ctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"simlab-telemetry/internal/bridge"
	"simlab-telemetry/internal/bridge/wstransport"
)

type probeOptions struct {
	origin  string
	config  string
	timeout time.Duration
}

var probeOpts probeOptions

var probeCmd = &cobra.Command{
	Use:   "probe <ws-url>",
	Short: "Connect to a runtime over WebSocket, wait for readiness and print its game state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o := probeOpts
		if o.timeout <= 0 {
			o.timeout = cfg.BridgeResponseTimeoutDuration()
		}
		state, err := runProbe(cmd.Context(), cmd.ErrOrStderr(), args[0], o)
		if err != nil {
			return err
		}
		cmd.Println(string(state))
		return nil
	},
}

func init() {
	f := probeCmd.Flags()
	f.StringVar(&probeOpts.origin, "origin", "http://localhost", "host origin sent with the handshake")
	f.StringVar(&probeOpts.config, "config", "", "JSON config to send before requesting state")
	f.DurationVar(&probeOpts.timeout, "timeout", 0, "readiness and response timeout (default $BRIDGE_RESPONSE_TIMEOUT)")
	rootCmd.AddCommand(probeCmd)
}

func runProbe(ctx context.Context, stderr io.Writer, rawURL string, o probeOptions) (json.RawMessage, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var config json.RawMessage
	if o.config != "" {
		if !json.Valid([]byte(o.config)) {
			return nil, errors.New("--config is not valid JSON")
		}
		config = json.RawMessage(o.config)
	}
	logger := newLogger(stderr)

	dialCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	t, err := wstransport.Dial(dialCtx, rawURL, o.origin)
	if err != nil {
		return nil, err
	}
	defer t.Close()

	b, err := bridge.New(t, bridge.Options{
		AllowedOrigins:  []string{t.PeerOrigin()},
		ResponseTimeout: o.timeout,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	defer b.Destroy()

	ready := make(chan struct{})
	var once sync.Once
	b.On(bridge.TypeRuntimeReady, func(json.RawMessage) { once.Do(func() { close(ready) }) })

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		if err := t.Run(runCtx, b, logger); err != nil {
			logger.Warn("probe: connection closed", "error", err)
		}
	}()

	select {
	case <-ready:
	case <-time.After(o.timeout):
		return nil, fmt.Errorf("runtime not ready after %s", o.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if config != nil {
		if err := b.SendConfig(ctx, config); err != nil {
			return nil, err
		}
	}
	call, err := b.RequestGameState(ctx)
	if err != nil {
		return nil, err
	}
	return call.Wait(ctx)
}
