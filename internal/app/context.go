package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"trainline/internal/auth"
	"trainline/internal/config"
	"trainline/internal/domain"
	"trainline/internal/engine"
	"trainline/internal/session"
)

// ResolveConfig loads the workspace config, or the explicit file when one is
// given.
func ResolveConfig(workspace, file string) (*config.Config, error) {
	if file != "" {
		return config.FromFile(file)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, fmt.Errorf("config %s not found; run tl config init", config.Path(workspace))
	}
	return cfg, nil
}

// BearerToken returns the configured token, or mints a short-lived one from
// the shared secret. An empty result means requests go out unauthenticated.
func BearerToken(cfg *config.Config, ttl time.Duration) (string, error) {
	if cfg.Auth.Token != "" {
		return cfg.Auth.Token, nil
	}
	if cfg.Auth.JWTSecret == "" {
		return "", nil
	}
	return auth.DevToken(cfg.Auth.JWTSecret, cfg.API.TenantID, cfg.Auth.Subject, ttl)
}

// ResolveSession picks the session a command works on. It prefers the
// override (an id or an exact name), then the active session, then the only
// session if there is exactly one.
func ResolveSession(ctx context.Context, eng *engine.Engine, override string) (domain.TrainingSession, error) {
	if override = strings.TrimSpace(override); override != "" {
		if s, err := eng.Sessions.Get(override); err == nil {
			return s, nil
		}
		var match []domain.TrainingSession
		for _, s := range eng.Sessions.List() {
			if s.Name == override {
				match = append(match, s)
			}
		}
		switch len(match) {
		case 0:
			return domain.TrainingSession{}, fmt.Errorf("session %q: %w", override, session.ErrSessionNotFound)
		case 1:
			return match[0], nil
		default:
			return domain.TrainingSession{}, fmt.Errorf("session name %q is ambiguous; use the id", override)
		}
	}
	s, err := eng.Sessions.Active()
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, session.ErrNoActiveSession) {
		return domain.TrainingSession{}, err
	}
	all := eng.Sessions.List()
	if len(all) == 1 {
		if err := eng.Sessions.Select(ctx, all[0].ID); err != nil && !session.IsStale(err) {
			return domain.TrainingSession{}, err
		}
		return all[0], nil
	}
	return domain.TrainingSession{}, fmt.Errorf("session not specified; use --session or tl session use")
}
