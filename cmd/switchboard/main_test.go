package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/auth"
	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/internal/sessions"
	"github.com/haasonsaas/switchboard/pkg/models"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "chat", "config", "token", "version"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "switchboard.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestConfigValidateCommand(t *testing.T) {
	valid := writeConfig(t, `
llm:
  default_provider: anthropic
  providers:
    anthropic:
      api_key: test
controllers:
  cad:
    enabled: true
    base_url: http://localhost:7777
`)
	out, err := execute(t, "config", "validate", "--config", valid)
	if err != nil {
		t.Fatalf("validate error = %v", err)
	}
	if !strings.Contains(out, "Configuration valid") || !strings.Contains(out, "cad=true") {
		t.Errorf("output = %q", out)
	}

	invalid := writeConfig(t, `
controllers:
  cad:
    enabled: true
`)
	if _, err := execute(t, "config", "validate", "--config", invalid); err == nil {
		t.Error("expected validation error for cad without base_url")
	}
}

func TestConfigSchemaCommand(t *testing.T) {
	out, err := execute(t, "config", "schema")
	if err != nil {
		t.Fatalf("schema error = %v", err)
	}
	var schema map[string]any
	if err := json.Unmarshal([]byte(out), &schema); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
}

func TestTokenCommand(t *testing.T) {
	path := writeConfig(t, `
auth:
  jwt_secret: s3cret
`)
	out, err := execute(t, "token", "--config", path, "--subject", "alice")
	if err != nil {
		t.Fatalf("token error = %v", err)
	}
	principal, err := auth.NewJWTService("s3cret", 0).Validate(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("minted token rejected: %v", err)
	}
	if principal.Subject != "alice" {
		t.Errorf("Subject = %q, want alice", principal.Subject)
	}

	noSecret := writeConfig(t, "version: 1\n")
	if _, err := execute(t, "token", "--config", noSecret); err == nil {
		t.Error("expected error without jwt_secret")
	}
}

func TestBuildProvider(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.DefaultProvider = "openai"
	cfg.LLM.Providers = map[string]config.LLMProviderConfig{"openai": {APIKey: "sk-test"}}
	if _, err := buildProvider(cfg); err != nil {
		t.Fatalf("buildProvider(openai) error = %v", err)
	}

	cfg.LLM.DefaultProvider = "anthropic"
	if _, err := buildProvider(cfg); err == nil {
		t.Error("expected error for unconfigured provider")
	}

	cfg.LLM.Providers["anthropic"] = config.LLMProviderConfig{APIKey: "sk-ant"}
	cfg.LLM.Fallbacks = []string{"openai"}
	provider, err := buildProvider(cfg)
	if err != nil {
		t.Fatalf("buildProvider(with fallback) error = %v", err)
	}
	if _, ok := provider.(*agent.FailoverProvider); !ok {
		t.Errorf("provider = %T, want *agent.FailoverProvider", provider)
	}
}

type stubProvider struct{}

func (stubProvider) Name() string { return "stub" }

func (stubProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	ch := make(chan *agent.CompletionChunk, 2)
	ch <- &agent.CompletionChunk{Text: "hi"}
	ch <- &agent.CompletionChunk{Done: true}
	close(ch)
	return ch, nil
}

func TestBuildControllersAndPipeline(t *testing.T) {
	cfg := config.Default()
	cfg.Controllers.CAD.Enabled = true
	cfg.Controllers.CAD.BaseURL = "http://localhost:7777"
	cfg.Loop.Tools = map[string]config.ToolOverride{"create_part": {Timeout: 45 * time.Second}}

	set, err := buildControllers(cfg)
	if err != nil {
		t.Fatalf("buildControllers() error = %v", err)
	}
	defer set.close()
	if len(set.tools) != 4 {
		t.Errorf("tools = %d, want 4 CAD tools", len(set.tools))
	}
	if _, ok := set.fetchers[config.SourceCADStatus]; !ok {
		t.Errorf("fetchers = %v, want cad_status", set.fetchers)
	}

	p, err := buildPipeline(cfg, pipelineDeps{provider: stubProvider{}, tools: set.tools, fetchers: set.fetchers})
	if err != nil {
		t.Fatalf("buildPipeline() error = %v", err)
	}
	if got := p.Router.Route("make me a flange").ID; got != models.ProfileCAD {
		t.Errorf("Route() = %q, want cad", got)
	}
	if got := len(p.Augmentor.Matching("create a flange part", p.Router.Route("create a flange part"))); got != 1 {
		t.Errorf("matching intent rules = %d, want 1", got)
	}
	if got := p.Loop.Config().ExecutorConfig.Tools["create_part"].Timeout; got != 45*time.Second {
		t.Errorf("create_part timeout = %v, want 45s override", got)
	}
}

func TestRunChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"content\":\"Created a flange.\"}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.Client.ServerURL = srv.URL
	cfg.Client.AgentContext = "cad"
	cfg.Sessions.Backend = sessions.BackendSQLite
	cfg.Sessions.Path = filepath.Join(t.TempDir(), "chat.db")

	var out bytes.Buffer
	err := runChat(context.Background(), cfg, strings.NewReader("make me a flange\n/quit\n"), &out)
	if err != nil {
		if strings.Contains(err.Error(), "unknown driver") {
			t.Skip("SQLite driver not available")
		}
		t.Fatalf("runChat() error = %v", err)
	}
	if !strings.Contains(out.String(), "Created a flange.") {
		t.Errorf("output = %q", out.String())
	}

	store, err := sessions.NewSQLiteStore(context.Background(), cfg.Sessions.Path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store.Close()
	session, err := sessions.NewPersister(store, sessions.PersisterConfig{}).Load(context.Background(), "cad")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	turns := session.Turns()
	if len(turns) != 3 || turns[2].Content != "Created a flange." || turns[2].Status != models.TurnComplete {
		t.Errorf("persisted turns = %+v", turns)
	}
}

func TestChatUIRetryDropsPartialReply(t *testing.T) {
	var out bytes.Buffer
	ui := newChatUI(&out, false, false)
	ui.startReply()
	ui.frame(models.Frame{Content: "abc"})
	ui.retry(1, time.Second)
	ui.frame(models.Frame{Content: "abcdef"})

	want := "abc\n[reconnecting (retry 1 in 1s), partial reply discarded]\nabcdef"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}

	out.Reset()
	tty := newChatUI(&out, true, false)
	tty.startReply()
	tty.frame(models.Frame{Content: "ab"})
	tty.frame(models.Frame{ToolCall: &models.FrameToolCall{Name: "connect", ID: "c1"}})
	tty.retry(1, time.Second)
	if got, want := strings.Count(out.String(), "\033[1A\033[K"), 2; got != want {
		t.Errorf("erased lines = %d, want %d (output %q)", got, want, out.String())
	}

	out.Reset()
	ui.startReply()
	ui.retry(2, time.Second)
	if out.Len() != 0 {
		t.Errorf("retry with nothing printed wrote %q", out.String())
	}
}

func TestRunChatReconnectPrintsReplyOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"content\":\"Created \"}\n\n")
		if calls.Add(1) == 1 {
			return
		}
		fmt.Fprint(w, "data: {\"content\":\"a flange.\"}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.Client.ServerURL = srv.URL
	cfg.Client.BaseDelay = time.Millisecond
	cfg.Sessions.Backend = sessions.BackendMemory

	var out bytes.Buffer
	if err := runChat(context.Background(), cfg, strings.NewReader("make me a flange\n/quit\n"), &out); err != nil {
		t.Fatalf("runChat() error = %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("requests = %d, want 2", calls.Load())
	}
	if !strings.Contains(out.String(), "partial reply discarded]\nCreated a flange.") {
		t.Errorf("output = %q", out.String())
	}
}
