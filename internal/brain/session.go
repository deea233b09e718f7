package brain

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SessionConfig bounds how long a persistent per-agent-type conversation is
// kept alive before it is torn down and a fresh one started (§4.4 step 10,
// "optional session pool").
type SessionConfig struct {
	MaxLoops    int
	IdleTimeout time.Duration
}

// DefaultSessionConfig matches the teacher's conservative defaults: reset
// every 50 loops or after 30 minutes of inactivity, whichever comes first.
var DefaultSessionConfig = SessionConfig{MaxLoops: 50, IdleTimeout: 30 * time.Minute}

type session struct {
	id         string
	loops      int
	lastUsedAt time.Time
}

// SessionPool maintains one persistent conversation per agent type so that
// profile/system-prompt context is already resident and each loop's prompt
// can be a trimmed delta instead of the full loop prompt. Expiry is
// evaluated lazily on each Respond call; there is no background sweeper.
type SessionPool struct {
	inner  Brain
	cfg    SessionConfig
	newID  func() string
	mu     sync.Mutex
	byType map[string]*session
}

// NewSessionPool wraps inner with per-agent-type session reuse. newID
// generates a fresh session identifier when a session is created or
// recycled (the caller supplies this so the package never calls
// time.Now/rand directly outside of idle-timeout comparisons).
func NewSessionPool(inner Brain, cfg SessionConfig, newID func() string) *SessionPool {
	if cfg.MaxLoops <= 0 {
		cfg.MaxLoops = DefaultSessionConfig.MaxLoops
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultSessionConfig.IdleTimeout
	}
	return &SessionPool{inner: inner, cfg: cfg, newID: newID, byType: map[string]*session{}}
}

// Respond resolves (creating or recycling as needed) the session for
// agentType and forwards prompt to the wrapped brain under that session id.
func (p *SessionPool) Respond(ctx context.Context, agentType, prompt string) (string, error) {
	s := p.acquire(agentType)
	resp, err := p.inner.Respond(ctx, s.id, prompt)
	if err != nil {
		return "", fmt.Errorf("session pool: %w", err)
	}

	p.mu.Lock()
	s.loops++
	s.lastUsedAt = time.Now()
	p.mu.Unlock()

	return resp, nil
}

// acquire returns the live session for agentType, creating one or
// recycling an expired/exhausted one as needed.
func (p *SessionPool) acquire(agentType string) *session {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.byType[agentType]
	if ok && s.loops < p.cfg.MaxLoops && time.Since(s.lastUsedAt) < p.cfg.IdleTimeout {
		return s
	}

	s = &session{id: p.newID(), lastUsedAt: time.Now()}
	p.byType[agentType] = s
	return s
}

// SessionCount reports the number of live sessions, for health checks.
func (p *SessionPool) SessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byType)
}
