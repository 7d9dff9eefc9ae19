package credentials

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type countingSource struct {
	tier   Tier
	values map[string]string
	err    error
	calls  int
}

func (c *countingSource) Tier() Tier { return c.tier }

func (c *countingSource) Lookup(_ context.Context, name string) (string, bool, error) {
	c.calls++
	if c.err != nil {
		return "", false, c.err
	}
	v, ok := c.values[name]
	return v, ok, nil
}

func envFrom(m map[string]string) EnvSource {
	return EnvSource{Getenv: func(k string) string { return m[k] }}
}

func TestSecretStorePreferredOverEnv(t *testing.T) {
	t.Parallel()
	store := &countingSource{tier: TierSecretStore, values: map[string]string{PublishToken: "from-store"}}
	r := NewResolver(Options{
		SecretStores: []Source{store},
		Env:          envFrom(map[string]string{"YOUTUBE_TOKEN": "from-env"}),
	})

	c, ok := r.Resolve(context.Background(), PublishToken)
	if !ok {
		t.Fatalf("Resolve reported missing")
	}
	if c.Value != "from-store" || c.Tier != TierSecretStore {
		t.Fatalf("got %q from %s, want from-store from secret_store", c.Value, c.Tier)
	}
}

func TestResolutionOrder(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		store    map[string]string
		session  map[string]string
		env      map[string]string
		want     string
		wantTier Tier
	}{
		{
			name:     "session_over_env",
			session:  map[string]string{PublishToken: "typed"},
			env:      map[string]string{"YOUTUBE_TOKEN": "env"},
			want:     "typed",
			wantTier: TierSession,
		},
		{
			name:     "env_only",
			env:      map[string]string{"YOUTUBE_TOKEN": "env"},
			want:     "env",
			wantTier: TierEnv,
		},
		{
			name:     "blank_store_falls_through",
			store:    map[string]string{PublishToken: "   "},
			env:      map[string]string{"YOUTUBE_TOKEN": "env"},
			want:     "env",
			wantTier: TierEnv,
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			session := NewSessionStore()
			for k, v := range tc.session {
				session.Set(k, v)
			}
			r := NewResolver(Options{
				SecretStores: []Source{&countingSource{tier: TierSecretStore, values: tc.store}},
				Session:      session,
				Env:          envFrom(tc.env),
			})
			c, ok := r.Resolve(context.Background(), PublishToken)
			if !ok {
				t.Fatalf("Resolve reported missing")
			}
			if c.Value != tc.want || c.Tier != tc.wantTier {
				t.Fatalf("got %q from %s, want %q from %s", c.Value, c.Tier, tc.want, tc.wantTier)
			}
		})
	}
}

func TestInvalidTextGenerationKeySkipped(t *testing.T) {
	t.Parallel()
	store := &countingSource{tier: TierSecretStore, values: map[string]string{TextGenerationKey: "not-a-key"}}
	r := NewResolver(Options{
		SecretStores: []Source{store},
		Env:          envFrom(map[string]string{"OPENAI_API_KEY": "sk-valid123"}),
	})
	c, ok := r.Resolve(context.Background(), TextGenerationKey)
	if !ok || c.Value != "sk-valid123" || c.Tier != TierEnv {
		t.Fatalf("got %+v ok=%v, want env key", c, ok)
	}
}

func TestNotFoundIsNotCached(t *testing.T) {
	t.Parallel()
	store := &countingSource{tier: TierSecretStore, values: map[string]string{}}
	r := NewResolver(Options{SecretStores: []Source{store}, Env: envFrom(nil)})

	if _, ok := r.Resolve(context.Background(), TextGenerationKey); ok {
		t.Fatalf("expected missing credential")
	}
	if err := r.Supply(TextGenerationKey, "sk-typed42"); err != nil {
		t.Fatalf("Supply returned error: %v", err)
	}
	c, ok := r.Resolve(context.Background(), TextGenerationKey)
	if !ok || c.Value != "sk-typed42" || c.Tier != TierSession {
		t.Fatalf("got %+v ok=%v after Supply", c, ok)
	}
	if store.calls != 2 {
		t.Fatalf("store consulted %d times, want 2", store.calls)
	}
}

func TestSuccessIsMemoized(t *testing.T) {
	t.Parallel()
	store := &countingSource{tier: TierSecretStore, values: map[string]string{PublishToken: "tok"}}
	r := NewResolver(Options{SecretStores: []Source{store}, Env: envFrom(nil)})
	for i := 0; i < 3; i++ {
		if _, ok := r.Resolve(context.Background(), PublishToken); !ok {
			t.Fatalf("Resolve %d reported missing", i)
		}
	}
	if store.calls != 1 {
		t.Fatalf("store consulted %d times, want 1", store.calls)
	}
}

func TestSupplyRejectsInvalidAndForgetClears(t *testing.T) {
	t.Parallel()
	r := NewResolver(Options{Env: envFrom(nil)})
	if err := r.Supply(TextGenerationKey, "pk-wrong"); err == nil {
		t.Fatalf("Supply accepted an invalid key")
	}
	if err := r.Supply(PublishToken, "tok"); err != nil {
		t.Fatalf("Supply: %v", err)
	}
	if _, ok := r.Resolve(context.Background(), PublishToken); !ok {
		t.Fatalf("expected token after Supply")
	}
	r.Forget(PublishToken)
	if _, ok := r.Resolve(context.Background(), PublishToken); ok {
		t.Fatalf("token still resolvable after Forget")
	}
}

func TestFailingSourceTreatedAsAbsent(t *testing.T) {
	t.Parallel()
	broken := &countingSource{tier: TierSecretStore, err: errors.New("connection refused")}
	r := NewResolver(Options{
		SecretStores: []Source{broken},
		Env:          envFrom(map[string]string{"YOUTUBE_TOKEN": "env"}),
	})
	c, ok := r.Resolve(context.Background(), PublishToken)
	if !ok || c.Tier != TierEnv {
		t.Fatalf("got %+v ok=%v, want env fallback", c, ok)
	}
}

func TestFileStore(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "secrets.yaml")
	if err := os.WriteFile(path, []byte("openai_api_key: sk-file99\nyoutube_token: \"\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	fs := FileStore{Path: path}

	v, ok, err := fs.Lookup(context.Background(), TextGenerationKey)
	if err != nil || !ok || v != "sk-file99" {
		t.Fatalf("Lookup = %q %v %v", v, ok, err)
	}
	if _, ok, _ := fs.Lookup(context.Background(), PublishToken); ok {
		t.Fatalf("empty value reported present")
	}
	missing := FileStore{Path: filepath.Join(dir, "absent.yaml")}
	if _, ok, err := missing.Lookup(context.Background(), PublishToken); ok || err != nil {
		t.Fatalf("missing file: ok=%v err=%v", ok, err)
	}
}

func TestEnvKey(t *testing.T) {
	t.Parallel()
	if got := EnvKey("openai_api_key"); got != "OPENAI_API_KEY" {
		t.Fatalf("EnvKey = %q", got)
	}
	if got := EnvKey("publish-token"); got != "PUBLISH_TOKEN" {
		t.Fatalf("EnvKey = %q", got)
	}
}
