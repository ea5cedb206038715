package server

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/openinfer/modelfront/internal/auth"
	"github.com/openinfer/modelfront/internal/backend"
	"github.com/openinfer/modelfront/internal/config"
	"github.com/openinfer/modelfront/internal/service"
	"github.com/openinfer/modelfront/internal/store/memory"
	"github.com/openinfer/modelfront/internal/usagelog"
)

func testConfig() *config.Config {
	return &config.Config{
		Models: map[string]config.ModelConfig{
			"llama-3.1-8b-instruct": {
				Host: "triton-llama", Port: 8001,
				Type: []string{config.FamilyLlama3, config.CapChat, config.CapVision},
			},
			"agent-v1": {
				Host: "triton-agent", Port: 8001,
				Type: []string{config.FamilyAgent, config.CapChat},
			},
			"nv-embed-v2": {
				Host: "triton-embed", Port: 8001,
				Type: []string{config.CapEmbedding},
			},
			"whisper-large-v3": {
				Host: "triton-audio", Port: 8001,
				Type: []string{config.CapAudio},
			},
		},
		OAuth2: config.OAuth2{
			SecretKey:                "unit-test-secret-key-0123456789abcdef",
			Algorithm:                "HS256",
			AccessTokenExpireMinutes: 30,
			UserTokenExpireDays:      30,
			AdminTokenNeverExpires:   true,
			DefaultAdmin: config.DefaultAdmin{
				Username: "admin",
				Password: "seed-password",
				Scopes:   []string{auth.ScopeAdmin},
			},
		},
	}
}

type fixture struct {
	srv   *Server
	store *memory.Memory
	usage *usagelog.Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := testConfig()
	registry := config.NewRegistry(cfg)
	store := memory.New()
	tokens := auth.NewManager(registry, store, store)

	if err := auth.EnsureDefaultAdmin(context.Background(), store, cfg.OAuth2.DefaultAdmin); err != nil {
		t.Fatalf("seed admin: %v", err)
	}

	usage := usagelog.New(store, filepath.Join(t.TempDir(), "usage-fallback.ndjson"),
		usagelog.WithBatchSize(1), usagelog.WithFlushInterval(50*time.Millisecond))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		usage.Shutdown(ctx)
	})

	srv, err := New(cfg, registry, store, tokens, usage)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}

	// No counter service in tests; use the character estimate.
	srv.count = func(_ context.Context, _ string, texts ...string) int {
		return backend.Estimate(texts...)
	}

	return &fixture{srv: srv, store: store, usage: usage}
}

// authed attaches an identity the way the middleware would.
func authed(r *http.Request, userID, tokenType string, scopes ...string) *http.Request {
	return r.WithContext(auth.WithIdentity(r.Context(), &auth.Identity{
		UserID:    userID,
		Scopes:    scopes,
		TokenType: tokenType,
		RequestID: "req-test",
	}))
}

// addUser registers a user with a known password.
func (f *fixture) addUser(t *testing.T, username, password string, scopes ...string) *service.User {
	t.Helper()

	hash, err := auth.HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}

	user, err := f.store.CreateUser(context.Background(), service.User{
		Username:     username,
		PasswordHash: hash,
		Scopes:       scopes,
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	return user
}

// waitForUsage polls until the store holds want rows or the deadline hits.
func (f *fixture) waitForUsage(t *testing.T, want int) []service.UsageRow {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.usage.Flush()

		rows := f.store.UsageRows()
		if len(rows) >= want {
			return rows
		}

		time.Sleep(20 * time.Millisecond)
	}

	t.Fatalf("usage rows = %d, want %d", len(f.store.UsageRows()), want)

	return nil
}

// ─── fake backend stream ───

type fakeStream struct {
	pieces []string
	finish string
	prompt int

	pos         int
	accumulated string
	closed      bool
	err         error
}

func (f *fakeStream) Recv(ctx context.Context) (string, error) {
	if f.err != nil {
		return "", f.err
	}

	if f.pos >= len(f.pieces) {
		return "", io.EOF
	}

	piece := f.pieces[f.pos]
	f.pos++
	f.accumulated += piece

	return piece, nil
}

func (f *fakeStream) Collect(ctx context.Context) (string, error) {
	if f.err != nil {
		return "", f.err
	}

	for f.pos < len(f.pieces) {
		f.accumulated += f.pieces[f.pos]
		f.pos++
	}

	return f.accumulated, nil
}

func (f *fakeStream) Accumulated() string   { return f.accumulated }
func (f *fakeStream) FinishReason() string  { return f.finish }
func (f *fakeStream) PromptTokens() int     { return f.prompt }
func (f *fakeStream) CompletionTokens() int { return f.pos }
func (f *fakeStream) Close()                { f.closed = true }

var _ chatStream = (*fakeStream)(nil)

// useFakeBackend wires scripted streams into the server, keyed by call order.
func (f *fixture) useFakeBackend(streams ...*fakeStream) {
	i := 0
	f.srv.openStream = func(ctx context.Context, addr, model, requestID string, params backend.ChatParams) (chatStream, error) {
		if i >= len(streams) {
			return &fakeStream{finish: backend.FinishStop}, nil
		}

		s := streams[i]
		i++

		if s == nil {
			return nil, context.DeadlineExceeded
		}

		return s, nil
	}
}
