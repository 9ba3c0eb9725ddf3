package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haasonsaas/switchboard/internal/client"
	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/internal/sessions"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// buildChatCmd creates the interactive "chat" command.
func buildChatCmd() *cobra.Command {
	var (
		configPath   string
		serverURL    string
		token        string
		agentContext string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a running switchboard server",
		Long: `Start an interactive chat session.

History is kept per agent context in the configured session store and is
restored on the next run. Type /reset to start over, /history to reprint the
conversation and /quit to exit. Ctrl-C cancels the reply in progress.`,
		Example: `  switchboard chat --context cad
  switchboard chat --server http://gateway:8080 --token $SWITCHBOARD_TOKEN`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if serverURL != "" {
				cfg.Client.ServerURL = serverURL
			}
			if token != "" {
				cfg.Client.Token = token
			}
			if agentContext != "" {
				cfg.Client.AgentContext = agentContext
			}
			return runChat(cmd.Context(), cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().StringVar(&serverURL, "server", "", "Override client.server_url")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token for /chat")
	cmd.Flags().StringVar(&agentContext, "context", "", "Agent context hint (cad, trading, general)")
	return cmd
}

// chatUI renders turns and frames.
type chatUI struct {
	out         io.Writer
	interactive bool
	user        *color.Color
	assistant   *color.Color
	tool        *color.Color
	failure     *color.Color
	dim         *color.Color

	// partial is what has been printed for the reply in progress.
	partial strings.Builder
}

func newChatUI(out io.Writer, interactive, colored bool) *chatUI {
	ui := &chatUI{
		out:         out,
		interactive: interactive,
		user:      color.New(color.FgCyan, color.Bold),
		assistant: color.New(color.FgGreen),
		tool:      color.New(color.FgYellow),
		failure:   color.New(color.FgRed),
		dim:       color.New(color.Faint),
	}
	if !colored {
		for _, c := range []*color.Color{ui.user, ui.assistant, ui.tool, ui.failure, ui.dim} {
			c.DisableColor()
		}
	}
	return ui
}

func (ui *chatUI) frame(f models.Frame) {
	switch {
	case f.Content != "":
		ui.print(ui.assistant, f.Content)
	case f.ToolCall != nil:
		ui.print(ui.tool, fmt.Sprintf("\n[tool] %s\n", f.ToolCall.Name))
	case f.Artifact != nil:
		ui.print(ui.dim, fmt.Sprintf("\n[artifact] %s (%s, %d bytes)\n", f.Artifact.ID, f.Artifact.MimeType, len(f.Artifact.Data)))
	}
}

func (ui *chatUI) print(c *color.Color, s string) {
	c.Fprint(ui.out, s)
	ui.partial.WriteString(s)
}

// startReply begins a new reply.
func (ui *chatUI) startReply() {
	ui.partial.Reset()
}

// retry drops the output of an abandoned attempt. The server streams the
// reply again from the start. On a terminal the partial lines are erased;
// elsewhere a marker separates the discarded text.
func (ui *chatUI) retry(retry int, delay time.Duration) {
	if ui.partial.Len() == 0 {
		return
	}
	if ui.interactive {
		fmt.Fprint(ui.out, "\r\033[K")
		for range strings.Count(ui.partial.String(), "\n") {
			fmt.Fprint(ui.out, "\033[1A\033[K")
		}
	} else {
		ui.dim.Fprintf(ui.out, "\n[reconnecting (retry %d in %s), partial reply discarded]\n", retry, delay)
	}
	ui.partial.Reset()
}

func (ui *chatUI) turn(t models.Turn) {
	switch t.Role {
	case models.RoleUser:
		ui.user.Fprint(ui.out, "you> ")
		fmt.Fprintln(ui.out, t.Content)
	default:
		if t.Content != "" {
			ui.assistant.Fprintln(ui.out, t.Content)
		}
		for _, a := range t.Artifacts {
			ui.dim.Fprintf(ui.out, "[artifact] %s\n", a.ID)
		}
	}
	if t.Status == models.TurnError {
		ui.failure.Fprintf(ui.out, "error: %s\n", t.Error)
	}
}

func (ui *chatUI) history(s *sessions.Session) {
	for _, t := range s.Turns() {
		ui.turn(t)
	}
}

func runChat(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer) error {
	store, err := sessions.Open(ctx, cfg.Sessions.Backend, cfg.Sessions.Path, cfg.Sessions.DSN)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer store.Close()

	persister := sessions.NewPersister(store, sessions.PersisterConfig{
		Prefix:   cfg.Sessions.Prefix,
		MaxTurns: cfg.Sessions.MaxTurns,
	})
	session, err := persister.Load(ctx, cfg.Client.AgentContext)
	if err != nil {
		return err
	}

	interactive := false
	if f, ok := in.(*os.File); ok {
		interactive = term.IsTerminal(int(f.Fd()))
	}
	ui := newChatUI(out, interactive, interactive && !color.NoColor)

	manager, err := client.NewManager(client.Config{
		ServerURL:      cfg.Client.ServerURL,
		Token:          cfg.Client.Token,
		AgentContext:   cfg.Client.AgentContext,
		MaxRetries:     cfg.Client.MaxRetries,
		BaseDelay:      cfg.Client.BaseDelay,
		RequestTimeout: cfg.Client.RequestTimeout,
	}, session,
		client.WithPersister(persister),
		client.WithFrameHandler(ui.frame),
		client.WithRetryHandler(ui.retry),
	)
	if err != nil {
		return err
	}

	ui.history(session)
	scanner := bufio.NewScanner(in)
	for {
		if interactive {
			ui.user.Fprint(out, "you> ")
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/reset":
			if err := manager.Reset(ctx); err != nil {
				ui.failure.Fprintf(out, "error: %v\n", err)
				continue
			}
			ui.history(session)
			continue
		case "/history":
			ui.history(session)
			continue
		}

		ui.startReply()
		sendCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
		err := manager.Send(sendCtx, line)
		stop()
		fmt.Fprintln(out)
		if err != nil {
			if errors.Is(err, client.ErrTurnInProgress) {
				ui.failure.Fprintln(out, err)
				continue
			}
			turns := session.Turns()
			ui.failure.Fprintf(out, "error: %s\n", turns[len(turns)-1].Error)
		}
	}
}
