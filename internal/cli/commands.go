package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"llmd/internal/backend/ollama"
	"llmd/internal/llm"
	"llmd/pkg/types"
)

const (
	// stopTimeout bounds the DELETE /sessions call sent on interrupt.
	stopTimeout = 2 * time.Second
	// abandonAfter cancels the request if the server never ends the stream.
	abandonAfter = 3 * time.Second
)

func newBackendsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List registered backends and their state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			list, err := c.Backends(cmd.Context())
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(list))
			for _, b := range list {
				rows = append(rows, []string{b.Name, b.State})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, newStyles(out).table([]string{"NAME", "STATE"}, rows))
			return nil
		},
	}
}

func newBootCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "boot",
		Short:   "Start the selected backend and wait until it answers",
		Example: "  llmd boot --backend ollama",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			if err := c.Boot(cmd.Context(), a.opts.Backend); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is running\n", a.opts.Backend)
			return nil
		},
	}
}

func newShutdownCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Stop the selected backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			if err := c.Shutdown(cmd.Context(), a.opts.Backend); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s stopped\n", a.opts.Backend)
			return nil
		},
	}
}

func newModelsCmd(a *app) *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the models of the selected backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			models, err := c.Models(ctx, a.opts.Backend, refresh)
			if err != nil {
				return err
			}
			loaded := map[string]bool{}
			if running, err := c.Running(ctx, a.opts.Backend); err == nil {
				for _, r := range running {
					loaded[r.Name] = true
				}
			}
			out := cmd.OutOrStdout()
			st := newStyles(out)
			if len(models) == 0 {
				hint := "no models"
				if !refresh {
					hint += " (try --refresh)"
				}
				fmt.Fprintln(out, st.muted.Render(hint))
				return nil
			}
			rows := make([][]string, 0, len(models))
			for _, m := range models {
				mark := ""
				if loaded[m.Name] {
					mark = "loaded"
				}
				rows = append(rows, []string{m.Name, sizeString(m.Size), strings.Join(m.Capabilities, ","), mark})
			}
			fmt.Fprintln(out, st.table([]string{"NAME", "SIZE", "CAPABILITIES", ""}, rows))
			return nil
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Reload the catalog from the backend first")
	return cmd
}

func newPsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ps",
		Short: "List models currently loaded by the selected backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			list, err := c.Running(cmd.Context(), a.opts.Backend)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(list))
			for _, r := range list {
				rows = append(rows, []string{r.Name, sizeString(r.VRAMBytes), expiresString(r)})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, newStyles(out).table([]string{"NAME", "VRAM", "UNTIL"}, rows))
			return nil
		},
	}
}

func sizeString(n int64) string {
	if n < 0 {
		return "-"
	}
	return humanize.Bytes(uint64(n))
}

func expiresString(r types.RuntimeInfo) string {
	if r.ExpiresAtUnix <= 0 {
		return "-"
	}
	return humanize.Time(time.Unix(r.ExpiresAtUnix, 0))
}

type chatOptions struct {
	think  bool
	system string
}

func newChatCmd(a *app) *cobra.Command {
	var o chatOptions
	cmd := &cobra.Command{
		Use:     "chat <model> <prompt...>",
		Short:   "Stream a completion; Ctrl+C stops it",
		Example: "  llmd chat llama3.2 \"why is the sky blue?\"\n  llmd chat qwen3 --think \"plan a trip\"",
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			req := types.PromptRequest{
				Message: llm.ChatMessage{Role: llm.RoleUser, Content: strings.Join(args[1:], " ")},
			}
			if o.system != "" {
				req.History = []llm.ChatMessage{{Role: llm.RoleSystem, Content: o.system}}
			}
			if cmd.Flags().Changed("think") {
				req.Think = &o.think
			}
			return runChat(cmd.Context(), c, a.opts.Backend, args[0], req, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&o.think, "think", false, "Ask thinking models to reason first (unset leaves the model default)")
	cmd.Flags().StringVar(&o.system, "system", "", "System message sent before the prompt")
	return cmd
}

// runChat prints the stream of one prompt. When ctx ends the session is
// stopped on the server so the model stops generating; the request itself is
// only abandoned if the server does not close the stream in time.
func runChat(ctx context.Context, c *Client, b, model string, req types.PromptRequest, out io.Writer) error {
	reqCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	ids := make(chan string, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		var id string
		select {
		case id = <-ids:
		case <-ctx.Done():
			// no handle yet; dropping the connection aborts the session
			cancel()
			return
		case <-done:
			return
		}
		select {
		case <-ctx.Done():
		case <-done:
			return
		}
		if id != "" {
			sctx, scancel := context.WithTimeout(context.Background(), stopTimeout)
			_ = c.StopSession(sctx, id)
			scancel()
		}
		select {
		case <-time.After(abandonAfter):
			cancel()
		case <-done:
		}
	}()

	st := newStyles(out)
	thinking := false
	err := c.Chat(reqCtx, b, model, req, func(id string) { ids <- id }, func(ev llm.Event) error {
		if ev.IsStop() || ev.Response == nil {
			return nil
		}
		if ev.Response.Error != "" {
			return errors.New(ev.Response.Error)
		}
		msg := ev.Response.Message
		if msg.Thoughts != "" {
			thinking = true
			fmt.Fprint(out, st.thought.Render(msg.Thoughts))
		}
		if msg.Content != "" {
			if thinking {
				fmt.Fprint(out, "\n\n")
				thinking = false
			}
			fmt.Fprint(out, msg.Content)
		}
		return nil
	})
	fmt.Fprintln(out)
	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newPullCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "pull <tag>",
		Short:   "Download a model through the Ollama backend",
		Example: "  llmd pull llama3.2:1b",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return c.Pull(cmd.Context(), a.opts.Backend, args[0], func(p ollama.PullProgress) error {
				if p.Error != "" {
					return errors.New(p.Error)
				}
				fmt.Fprintln(out, progressLine(p))
				return nil
			})
		},
	}
}

func progressLine(p ollama.PullProgress) string {
	if p.Total <= 0 {
		return p.Status
	}
	pct := float64(p.Completed) * 100 / float64(p.Total)
	return fmt.Sprintf("%s %s/%s (%.0f%%)", p.Status,
		humanize.Bytes(uint64(max(p.Completed, 0))), humanize.Bytes(uint64(p.Total)), pct)
}
