package bridge

import "context"

// Commands the host sends to the runtime.
const (
	TypeStartGame        = "start_game"
	TypePauseGame        = "pause_game"
	TypeResumeGame       = "resume_game"
	TypeQuitGame         = "quit_game"
	TypeConfig           = "config"
	TypeGetState         = "get_state"
	TypeTelemetryStarted = "telemetry_started"
	TypeTelemetryStopped = "telemetry_stopped"
)

// StartGame tells the runtime the player started the game.
func (b *Bridge) StartGame(ctx context.Context, config any) error {
	return b.Send(ctx, TypeStartGame, config)
}

// PauseGame tells the runtime the player paused.
func (b *Bridge) PauseGame(ctx context.Context) error {
	return b.Send(ctx, TypePauseGame, nil)
}

// ResumeGame tells the runtime the player resumed.
func (b *Bridge) ResumeGame(ctx context.Context) error {
	return b.Send(ctx, TypeResumeGame, nil)
}

// QuitGame tells the runtime the player quit.
func (b *Bridge) QuitGame(ctx context.Context) error {
	return b.Send(ctx, TypeQuitGame, nil)
}

// SendConfig pushes configuration to the runtime.
func (b *Bridge) SendConfig(ctx context.Context, config any) error {
	return b.Send(ctx, TypeConfig, config)
}

// RequestGameState asks the runtime for its current state.
func (b *Bridge) RequestGameState(ctx context.Context) (*Call, error) {
	return b.Request(ctx, TypeGetState, nil)
}

// TelemetryStarted tells the runtime that telemetry is recording for sessionID.
func (b *Bridge) TelemetryStarted(ctx context.Context, sessionID string) error {
	return b.Send(ctx, TypeTelemetryStarted, map[string]string{"sessionId": sessionID})
}

// TelemetryStopped tells the runtime that telemetry stopped.
func (b *Bridge) TelemetryStopped(ctx context.Context) error {
	return b.Send(ctx, TypeTelemetryStopped, nil)
}
