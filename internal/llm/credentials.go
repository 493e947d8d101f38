package llm

import (
	"context"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

type completer interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type credential struct {
	name             string
	client           completer
	rateLimitedUntil time.Time
}

// credentialPool owns the rate-limit leases of the primary and optional
// backup credential. Concurrent callers may race on the timestamps; the
// last write wins.
type credentialPool struct {
	mu     sync.Mutex
	creds  []*credential
	active int
	now    func() time.Time
}

func newCredentialPool(now func() time.Time, creds ...*credential) *credentialPool {
	return &credentialPool{creds: creds, now: now}
}

// pick prefers the primary, falls back to an unblocked backup, and when both
// are blocked takes whichever lease expires first.
func (p *credentialPool) pick() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	chosen := 0
	if p.blockedLocked(0, now) {
		for i := 1; i < len(p.creds); i++ {
			if !p.blockedLocked(i, now) {
				chosen = i
				break
			}
			if p.creds[i].rateLimitedUntil.Before(p.creds[chosen].rateLimitedUntil) {
				chosen = i
			}
		}
	}
	p.active = chosen
	return chosen
}

func (p *credentialPool) get(i int) *credential {
	return p.creds[i]
}

func (p *credentialPool) block(i int, d time.Duration) {
	p.mu.Lock()
	p.creds[i].rateLimitedUntil = p.now().Add(d)
	p.mu.Unlock()
}

func (p *credentialPool) recover(i int) {
	p.mu.Lock()
	p.creds[i].rateLimitedUntil = time.Time{}
	p.mu.Unlock()
}

func (p *credentialPool) available(i int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.blockedLocked(i, p.now())
}

// other returns the alternate credential index, or -1 without a backup.
func (p *credentialPool) other(i int) int {
	if len(p.creds) < 2 {
		return -1
	}
	return 1 - i
}

// shortestBlock is the time until the first credential becomes usable again.
func (p *credentialPool) shortestBlock() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	shortest := time.Duration(-1)
	for _, c := range p.creds {
		remaining := c.rateLimitedUntil.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		if shortest < 0 || remaining < shortest {
			shortest = remaining
		}
	}
	return shortest
}

func (p *credentialPool) blockedLocked(i int, now time.Time) bool {
	return now.Before(p.creds[i].rateLimitedUntil)
}

func (p *credentialPool) status() []CredentialStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	out := make([]CredentialStatus, len(p.creds))
	for i, c := range p.creds {
		out[i] = CredentialStatus{
			Name:        c.name,
			Active:      i == p.active,
			RateLimited: p.blockedLocked(i, now),
		}
		if out[i].RateLimited {
			out[i].RateLimitedUntil = c.rateLimitedUntil
		}
	}
	return out
}
