// Package credentials resolves named secrets through an ordered chain of tiers.
// Missing credentials are a normal outcome: Resolve reports them with ok=false
// so the orchestrator can disable the step that needs them.
package credentials

import (
	"context"
	"strings"
	"sync"
	"time"

	"media-publish-pipeline/logx"
)

// Logical credential names
const (
	TextGenerationKey = "openai_api_key"
	PublishToken      = "youtube_token"
)

// Tier identifies where a credential came from
type Tier string

const (
	TierSecretStore Tier = "secret_store"
	TierSession     Tier = "session"
	TierEnv         Tier = "env"
)

// Credential is a resolved secret
type Credential struct {
	Name  string `json:"name"`
	Value string `json:"-"`
	Tier  Tier   `json:"tier"`
}

// Source is one lookup location. Lookup returns ok=false when the name is absent;
// err is reserved for the source itself failing.
type Source interface {
	Tier() Tier
	Lookup(ctx context.Context, name string) (value string, ok bool, err error)
}

// Validator checks a value's syntax. A nil return means usable.
type Validator func(value string) error

// EnvKey maps a logical name to its environment variable.
func EnvKey(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
}

// Resolver walks its sources in order and memoizes successful resolutions.
type Resolver struct {
	sources       []Source
	session       *SessionStore
	validators    map[string]Validator
	lookupTimeout time.Duration

	mu       sync.Mutex
	resolved map[string]Credential
}

// Options for NewResolver
type Options struct {
	// SecretStores are consulted first, in order.
	SecretStores []Source
	// Session receives interactive values; one is created when nil.
	Session *SessionStore
	// Env is consulted last; defaults to the process environment.
	Env Source
	// Validators per logical name; names without one only need a non-empty value.
	Validators map[string]Validator
	// LookupTimeout bounds each source lookup (default 3s).
	LookupTimeout time.Duration
}

// NewResolver builds the fixed-order chain: secret stores, session, env.
func NewResolver(opts Options) *Resolver {
	session := opts.Session
	if session == nil {
		session = NewSessionStore()
	}
	env := opts.Env
	if env == nil {
		env = EnvSource{}
	}
	validators := DefaultValidators()
	for name, v := range opts.Validators {
		validators[name] = v
	}
	timeout := opts.LookupTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	sources := make([]Source, 0, len(opts.SecretStores)+2)
	sources = append(sources, opts.SecretStores...)
	sources = append(sources, session, env)

	return &Resolver{
		sources:       sources,
		session:       session,
		validators:    validators,
		lookupTimeout: timeout,
		resolved:      make(map[string]Credential),
	}
}

// Resolve returns the first present, valid value for name.
func (r *Resolver) Resolve(ctx context.Context, name string) (Credential, bool) {
	r.mu.Lock()
	if c, ok := r.resolved[name]; ok {
		r.mu.Unlock()
		return c, true
	}
	r.mu.Unlock()

	l := logx.FromCtx(ctx)
	for _, src := range r.sources {
		lookupCtx, cancel := context.WithTimeout(ctx, r.lookupTimeout)
		value, ok, err := src.Lookup(lookupCtx, name)
		cancel()
		if err != nil {
			l.Warn().Err(err).Str("credential", name).Str("tier", string(src.Tier())).Msg("credential source failed")
			continue
		}
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		if err := r.validate(name, value); err != nil {
			l.Warn().Err(err).Str("credential", name).Str("tier", string(src.Tier())).Msg("ignoring invalid credential")
			continue
		}

		c := Credential{Name: name, Value: value, Tier: src.Tier()}
		r.mu.Lock()
		r.resolved[name] = c
		r.mu.Unlock()
		l.Debug().Str("credential", name).Str("tier", string(c.Tier)).Msg("credential resolved")
		return c, true
	}
	return Credential{Name: name}, false
}

// Validate reports whether value would be accepted for name.
func (r *Resolver) Validate(name, value string) error {
	return r.validate(name, strings.TrimSpace(value))
}

func (r *Resolver) validate(name, value string) error {
	if v, ok := r.validators[name]; ok {
		return v(value)
	}
	return NonEmpty(value)
}

// Supply records an interactive value. An invalid value is rejected and leaves
// the previous state alone.
func (r *Resolver) Supply(name, value string) error {
	if err := r.Validate(name, value); err != nil {
		return err
	}
	r.session.Set(name, strings.TrimSpace(value))
	r.mu.Lock()
	delete(r.resolved, name)
	r.mu.Unlock()
	return nil
}

// Forget drops the interactive value and memo for name (sign-out).
func (r *Resolver) Forget(name string) {
	r.session.Delete(name)
	r.mu.Lock()
	delete(r.resolved, name)
	r.mu.Unlock()
}

// Describe names the places a missing credential can be provided.
func Describe(name string) string {
	return name + " (secret store), the interactive prompt, or $" + EnvKey(name)
}
