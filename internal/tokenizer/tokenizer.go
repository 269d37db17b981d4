// Package tokenizer replaces real subject identifiers with opaque tokens that
// are deterministic within a session and uncorrelatable across sessions.
//
// Each session owns an arena holding a random MAC key and the forward and
// reverse maps for the tokens it issued. Nothing is written to durable
// storage; an ended session's arena is wiped and its handle kept only as a
// tombstone until the next Sweep so late callers get ErrSessionExpired.
package tokenizer

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// Prefix marks every issued token.
const Prefix = "SUBJ-"

const tokenLength = 12

var (
	encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

	tokenPattern   = regexp.MustCompile(Prefix + `[A-Z2-7]{12}`)
	suspectPattern = regexp.MustCompile(`(?i)subj[-_][a-z0-9]{4,}`)
)

// Token is an opaque stand-in for a subject identifier.
type Token string

// Pattern matches well-formed tokens.
func Pattern() *regexp.Regexp {
	return tokenPattern
}

// SuspectPattern matches token-shaped substrings, including mangled or
// truncated variants that a generator might produce.
func SuspectPattern() *regexp.Regexp {
	return suspectPattern
}

// Session is the handle returned by Open.
type Session struct {
	ID        uuid.UUID `json:"id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type arena struct {
	key       []byte
	forward   map[string]Token
	reverse   map[Token]string
	expiresAt time.Time
	endedAt   time.Time
}

func (a *arena) ended() bool {
	return !a.endedAt.IsZero()
}

func (a *arena) wipe(at time.Time) {
	clear(a.key)
	a.key = nil
	a.forward = nil
	a.reverse = nil
	a.endedAt = at
}

// Tokenizer owns all live token sessions.
type Tokenizer struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*arena
	ttl      time.Duration
	now      func() time.Time
}

// Option configures a Tokenizer.
type Option func(*Tokenizer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tokenizer) {
		t.now = now
	}
}

// New creates a Tokenizer whose sessions live for ttl.
func New(ttl time.Duration, opts ...Option) *Tokenizer {
	t := &Tokenizer{
		sessions: make(map[uuid.UUID]*arena),
		ttl:      ttl,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Open starts a session with a fresh random key.
func (t *Tokenizer) Open() (Session, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return Session{}, fmt.Errorf("generate session key: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	id := uuid.New()
	expires := t.now().Add(t.ttl)
	t.sessions[id] = &arena{
		key:       key,
		forward:   make(map[string]Token),
		reverse:   make(map[Token]string),
		expiresAt: expires,
	}

	return Session{ID: id, ExpiresAt: expires}, nil
}

// Tokenize returns the session's token for realID, issuing it on first use.
func (t *Tokenizer) Tokenize(sessionID uuid.UUID, realID string) (Token, error) {
	if strings.TrimSpace(realID) == "" {
		return "", ErrEmptyIdentity
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	a, err := t.live(sessionID)
	if err != nil {
		return "", err
	}

	if tok, ok := a.forward[realID]; ok {
		return tok, nil
	}

	tok, err := mac(a.key, realID)
	if err != nil {
		return "", err
	}
	if existing, ok := a.reverse[tok]; ok && existing != realID {
		return "", ErrTokenCollision
	}

	a.forward[realID] = tok
	a.reverse[tok] = realID
	return tok, nil
}

// Detokenize resolves a token issued by the session back to its identifier.
func (t *Tokenizer) Detokenize(sessionID uuid.UUID, tok Token) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, err := t.live(sessionID)
	if err != nil {
		return "", err
	}

	realID, ok := a.reverse[tok]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownToken, tok)
	}
	return realID, nil
}

// Issued returns the set of tokens the session has handed out.
func (t *Tokenizer) Issued(sessionID uuid.UUID) (map[Token]struct{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, err := t.live(sessionID)
	if err != nil {
		return nil, err
	}

	issued := make(map[Token]struct{}, len(a.reverse))
	for tok := range a.reverse {
		issued[tok] = struct{}{}
	}
	return issued, nil
}

// ExposesIdentity reports whether text contains any identifier registered
// in the session verbatim. The identifiers never leave the tokenizer.
func (t *Tokenizer) ExposesIdentity(sessionID uuid.UUID, text string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, err := t.live(sessionID)
	if err != nil {
		return false, err
	}

	for realID := range a.forward {
		if strings.Contains(text, realID) {
			return true, nil
		}
	}
	return false, nil
}

// Close ends the session and wipes its arena.
func (t *Tokenizer) Close(sessionID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if a, ok := t.sessions[sessionID]; ok && !a.ended() {
		a.wipe(t.now())
	}
}

// Sweep wipes expired sessions and drops tombstones older than the session
// lifetime. It returns the number of arenas wiped.
func (t *Tokenizer) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	wiped := 0
	for id, a := range t.sessions {
		if !a.ended() && !now.Before(a.expiresAt) {
			a.wipe(now)
			wiped++
		}
		if a.ended() && now.Sub(a.endedAt) >= t.ttl {
			delete(t.sessions, id)
		}
	}
	return wiped
}

// Active returns the number of sessions that have not ended.
func (t *Tokenizer) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, a := range t.sessions {
		if !a.ended() {
			n++
		}
	}
	return n
}

// live must be called with t.mu held.
func (t *Tokenizer) live(sessionID uuid.UUID) (*arena, error) {
	a, ok := t.sessions[sessionID]
	if !ok {
		return nil, ErrUnknownSession
	}
	if a.ended() {
		return nil, ErrSessionExpired
	}
	if now := t.now(); !now.Before(a.expiresAt) {
		a.wipe(now)
		return nil, ErrSessionExpired
	}
	return a, nil
}

func mac(key []byte, realID string) (Token, error) {
	h, err := blake2b.New256(key)
	if err != nil {
		return "", fmt.Errorf("init mac: %w", err)
	}
	h.Write([]byte(realID))
	sum := h.Sum(nil)
	return Token(Prefix + encoding.EncodeToString(sum[:10])[:tokenLength]), nil
}
