package root

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stitchcli/stitch/pkg/client"
	"github.com/stitchcli/stitch/pkg/engine"
	"github.com/stitchcli/stitch/pkg/transcript"
)

func newAttachCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "attach <session-id>",
		Short: "Attach to a session and follow it live",
		Long:  "Reconstructs the session transcript, catches up to any turn in progress, and follows the live event stream until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAttach(cmd, flags, args[0])
		},
	}
}

func runAttach(cmd *cobra.Command, flags *rootFlags, sessionID string) error {
	ctx := cmd.Context()
	cfg := flags.cfg

	cl := client.New(cfg.ServerURL)
	store, err := openStore(cfg, cl)
	if err != nil {
		return err
	}
	defer store.Close()

	frames, err := cl.Events(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("subscribing to session %s: %w", sessionID, err)
	}

	printer := newTranscriptPrinter(cmd.OutOrStdout())
	eng := engine.New(sessionID, store, cl, cl, frames,
		engine.WithObserver(printer),
		engine.WithStreamBudget(cfg.Stream.BudgetChars),
		engine.WithFlushInterval(cfg.Stream.FlushInterval),
		engine.WithFailsafe(cfg.Lifecycle.Failsafe),
		engine.WithWindowSize(cfg.Window.MaxItems, cfg.Window.PageSize),
	)

	// Attach renders the reconciled transcript through the reload
	// callback; the observer sees live mutations after that.
	if err := eng.Attach(ctx); err != nil {
		return err
	}
	return eng.Run(ctx)
}

// transcriptPrinter renders messages as plain lines. Streaming updates
// are suppressed until the message finalizes so the output stays
// line-oriented.
type transcriptPrinter struct {
	out  io.Writer
	seen map[string]struct{}
}

func newTranscriptPrinter(out io.Writer) *transcriptPrinter {
	return &transcriptPrinter{out: out, seen: make(map[string]struct{})}
}

func (p *transcriptPrinter) MessageAdded(msg *transcript.Message) {
	p.print(msg)
}

func (p *transcriptPrinter) MessageUpdated(msg *transcript.Message) {
	if msg.Kind == transcript.KindStreaming {
		return
	}
	p.print(msg)
}

func (p *transcriptPrinter) MessageRemoved(string) {}

// TranscriptReloaded prints whatever a reconciliation rebuild surfaced
// that has not been rendered yet. Already-printed messages are not
// repeated even when the rebuild reordered or corrected them.
func (p *transcriptPrinter) TranscriptReloaded(msgs []*transcript.Message) {
	for _, msg := range msgs {
		if _, ok := p.seen[msg.ID]; ok {
			continue
		}
		p.print(msg)
	}
}

func (p *transcriptPrinter) print(msg *transcript.Message) {
	p.seen[msg.ID] = struct{}{}
	switch msg.Kind {
	case transcript.KindStreaming:
		return
	case transcript.KindToolCall:
		fmt.Fprintf(p.out, "[tool] %s running\n", msg.ToolCall.Name)
	case transcript.KindToolResult:
		result := msg.ToolCall.Result
		if len(result) > 120 {
			result = result[:120] + "..."
		}
		fmt.Fprintf(p.out, "[tool] %s %s: %s\n", msg.ToolCall.Name, msg.ToolCall.Status, strings.TrimSpace(result))
	case transcript.KindNotice:
		fmt.Fprintf(p.out, "[notice] %s\n", msg.Content)
	default:
		fmt.Fprintf(p.out, "%s: %s\n", msg.Role, msg.Content)
	}
}
