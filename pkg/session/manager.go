package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/harun/threadline/internal/observability"
	"github.com/harun/threadline/internal/tracing"
	"github.com/harun/threadline/pkg/backend"
	"github.com/harun/threadline/pkg/sessionstore"
	"github.com/harun/threadline/pkg/turnerr"
)

// Session is a resolved backend conversation.
type Session struct {
	Name       string
	ExternalID string
	Persistent bool
}

// Options configures a Manager.
type Options struct {
	// Store holds persistent mappings. Defaults to an in-memory store.
	Store  sessionstore.Store
	Logger zerolog.Logger
	// OnReleaseFailed is called when an ephemeral session could not be deleted.
	OnReleaseFailed func(client backend.Client, sessionID string, err error)
}

// Manager creates, reuses and tears down sessions on one backend.
type Manager struct {
	client          backend.Client
	store           sessionstore.Store
	logger          zerolog.Logger
	onReleaseFailed func(client backend.Client, sessionID string, err error)
	creates         singleflight.Group
}

func NewManager(client backend.Client, opts Options) *Manager {
	observability.EnsureRegistered()

	store := opts.Store
	if store == nil {
		store = sessionstore.NewMemory()
	}
	return &Manager{
		client:          client,
		store:           store,
		logger:          opts.Logger,
		onReleaseFailed: opts.OnReleaseFailed,
	}
}

// Client returns the backend the manager creates sessions on.
func (m *Manager) Client() backend.Client {
	return m.client
}

// Get returns the session to use for name. A persistent session is looked up in
// the store and created only when missing; concurrent first calls for the same
// name share one creation. An ephemeral session is always new.
func (m *Manager) Get(ctx context.Context, name string, persistent bool) (Session, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		tracing.TracerSession,
		"session.get",
		attribute.String("agent", name),
		attribute.Bool("persistent", persistent),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger)

	if !persistent {
		id, err := m.create(ctx, false)
		if err != nil {
			tracing.RecordError(span, err)
			return Session{}, err
		}
		logger.Debug().Str("session_id", id).Msg("Ephemeral session created")
		return Session{Name: name, ExternalID: id}, nil
	}

	v, err, _ := m.creates.Do(name, func() (interface{}, error) {
		id, ok, err := m.store.Get(ctx, name)
		if err != nil {
			return "", turnerr.New(turnerr.KindSessionInit, "session store lookup", err)
		}
		if ok {
			return id, nil
		}

		id, err = m.create(ctx, true)
		if err != nil {
			return "", err
		}
		if err := m.store.Put(ctx, name, id); err != nil {
			m.Release(ctx, Session{Name: name, ExternalID: id})
			return "", turnerr.New(turnerr.KindSessionInit, "session store write", err)
		}
		logger.Info().Str("session_id", id).Msg("Persistent session created")
		return id, nil
	})
	if err != nil {
		tracing.RecordError(span, err)
		return Session{}, err
	}
	return Session{Name: name, ExternalID: v.(string), Persistent: true}, nil
}

func (m *Manager) create(ctx context.Context, persistent bool) (string, error) {
	id, err := m.client.CreateSession(ctx)
	if err != nil {
		return "", turnerr.New(turnerr.KindSessionInit, "create backend session", err)
	}
	observability.RecordSessionCreated(m.client.Family(), persistent)
	return id, nil
}

// Release tears down an ephemeral session. It never fails: deletion errors are
// logged and reported to OnReleaseFailed. Persistent sessions are left alone.
func (m *Manager) Release(ctx context.Context, s Session) {
	if s.Persistent || s.ExternalID == "" {
		return
	}
	logger := tracing.LoggerFromContext(ctx, m.logger).With().Str("session_id", s.ExternalID).Logger()

	err := m.client.DeleteSession(ctx, s.ExternalID)
	if err == nil || errors.Is(err, backend.ErrSessionNotFound) {
		logger.Debug().Msg("Ephemeral session deleted")
		return
	}

	observability.RecordSessionDeleteFailure(m.client.Family())
	logger.Warn().Err(err).Msg("Failed to delete ephemeral session")
	if m.onReleaseFailed != nil {
		m.onReleaseFailed(m.client, s.ExternalID, err)
	}
}

// Forget drops the stored mapping for name if it still points at sessionID, so
// the next Get creates a fresh session.
func (m *Manager) Forget(ctx context.Context, name, sessionID string) error {
	id, ok, err := m.store.Get(ctx, name)
	if err != nil {
		return err
	}
	if !ok || id != sessionID {
		return nil
	}
	if err := m.store.Delete(ctx, name); err != nil {
		return err
	}
	logger := tracing.LoggerFromContext(ctx, m.logger)
	logger.Warn().
		Str("session_id", sessionID).
		Msg("Forgot stale persistent session")
	return nil
}

// Reset deletes the persistent session of name on the backend and in the store.
// It reports whether a session existed.
func (m *Manager) Reset(ctx context.Context, name string) (bool, error) {
	id, ok, err := m.store.Get(ctx, name)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	if err := m.client.DeleteSession(ctx, id); err != nil && !errors.Is(err, backend.ErrSessionNotFound) {
		return true, fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	if err := m.store.Delete(ctx, name); err != nil {
		return true, err
	}
	logger := tracing.LoggerFromContext(ctx, m.logger)
	logger.Info().Str("session_id", id).Msg("Persistent session reset")
	return true, nil
}
