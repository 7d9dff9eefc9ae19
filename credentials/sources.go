package credentials

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

var textGenerationKeyPattern = regexp.MustCompile(`^sk-[A-Za-z0-9_\-]+$`)

// DefaultValidators covers the credentials the pipeline knows about.
func DefaultValidators() map[string]Validator {
	return map[string]Validator{
		TextGenerationKey: func(v string) error {
			if !textGenerationKeyPattern.MatchString(v) {
				return errors.New("text-generation key must start with sk-")
			}
			return nil
		},
		PublishToken: NonEmpty,
	}
}

// NonEmpty accepts any value with visible characters.
func NonEmpty(v string) error {
	if strings.TrimSpace(v) == "" {
		return errors.New("value is empty")
	}
	return nil
}

// EnvSource reads the process environment using EnvKey.
type EnvSource struct {
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
}

func (EnvSource) Tier() Tier { return TierEnv }

func (e EnvSource) Lookup(_ context.Context, name string) (string, bool, error) {
	get := e.Getenv
	if get == nil {
		get = os.Getenv
	}
	v := get(EnvKey(name))
	return v, v != "", nil
}

// SessionStore holds values typed in by the user during this process.
type SessionStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewSessionStore() *SessionStore {
	return &SessionStore{values: make(map[string]string)}
}

func (s *SessionStore) Tier() Tier { return TierSession }

func (s *SessionStore) Lookup(_ context.Context, name string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[name]
	return v, ok && v != "", nil
}

func (s *SessionStore) Set(name, value string) {
	s.mu.Lock()
	s.values[name] = value
	s.mu.Unlock()
}

func (s *SessionStore) Delete(name string) {
	s.mu.Lock()
	delete(s.values, name)
	s.mu.Unlock()
}

// FileStore reads an operator-provisioned YAML map of name: value. The file is
// read on every lookup, but the Resolver memoizes the first valid value, so a
// rotated secret takes effect after a restart or Forget. A missing file simply
// has no entries.
type FileStore struct {
	Path string
}

func (FileStore) Tier() Tier { return TierSecretStore }

func (f FileStore) Lookup(_ context.Context, name string) (string, bool, error) {
	if f.Path == "" {
		return "", false, nil
	}
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read secrets file: %w", err)
	}
	var secrets map[string]string
	if err := yaml.Unmarshal(data, &secrets); err != nil {
		return "", false, fmt.Errorf("parse secrets file %s: %w", f.Path, err)
	}
	v, ok := secrets[name]
	return v, ok && v != "", nil
}

// RedisStore reads secrets from one Redis hash, field = logical name.
type RedisStore struct {
	Client *redis.Client
	Key    string
}

func (RedisStore) Tier() Tier { return TierSecretStore }

func (r RedisStore) Lookup(ctx context.Context, name string) (string, bool, error) {
	v, err := r.Client.HGet(ctx, r.Key, name).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis hget %s: %w", r.Key, err)
	}
	return v, v != "", nil
}
