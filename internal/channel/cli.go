// Package channel is the terminal front end of a chat session: it renders
// session snapshots and notifications and forwards user intents.
package channel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"jarvis/internal/agent"
	"jarvis/internal/bus"
	"jarvis/internal/domain"
	"jarvis/internal/learning"
	"jarvis/internal/metrics"

	"github.com/dustin/go-humanize"
)

const (
	userPrompt      = "You> "
	assistantPrefix = "JARVIS> "

	activityLimit = 10
)

// CLI is an interactive terminal chat bound to one session.
type CLI struct {
	session  *agent.Session
	learning *learning.Engine
	messages domain.MessageStore
	events   *bus.EventBus
	logger   *slog.Logger
	in       io.Reader

	outMu sync.Mutex
	out   io.Writer

	thinking  bool
	thinkMu   sync.Mutex
	thinkStop chan struct{}
	thinkDone chan struct{}

	// correcting is set after a bare /correct; the next line is the correction.
	correcting bool
}

type CLIConfig struct {
	Session  *agent.Session
	Learning *learning.Engine
	Messages domain.MessageStore
	// Events backs /activity. Optional.
	Events *bus.EventBus
	Logger *slog.Logger
	In     io.Reader
	Out      io.Writer
}

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CLI{
		session:  cfg.Session,
		learning: cfg.Learning,
		messages: cfg.Messages,
		events:   cfg.Events,
		logger:   cfg.Logger,
		in:       cfg.In,
		out:      cfg.Out,
	}
}

func (c *CLI) Name() string { return "cli" }

// Start runs the REPL until /quit, end of input or ctx is done. The session
// must already be started.
func (c *CLI) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	renderCtx, stopRender := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.renderState(renderCtx) }()
	go func() { defer wg.Done(); c.renderEvents(renderCtx) }()
	defer func() {
		stopRender()
		wg.Wait()
		c.stopThinking()
	}()

	c.println("JARVIS CLI. Type a message and press Enter. /help lists commands, /quit exits.")
	c.print(userPrompt)

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			if quit := c.handleLine(ctx, strings.TrimSpace(line)); quit {
				c.logger.Info("user requested quit")
				return nil
			}
		}
	}
}

func (c *CLI) handleLine(ctx context.Context, line string) (quit bool) {
	if line == "" {
		c.print(userPrompt)
		return false
	}

	cmd := ParseCommand(line)
	if cmd == nil && c.correcting {
		c.correcting = false
		c.submitCorrection(ctx, line)
		c.print(userPrompt)
		return false
	}
	if cmd == nil {
		c.send(ctx, line)
		return false
	}

	switch cmd.Name {
	case "quit", "exit", "q":
		return true
	case "help":
		c.println(helpText())
	case "cancel":
		if c.correcting || c.session.State().Turn.Phase == agent.PhaseCorrecting {
			c.correcting = false
			c.session.CancelCorrection()
			c.println("Correction discarded.")
		} else {
			c.session.CancelSend()
		}
	case "correct":
		c.correct(ctx, cmd.Rest())
	case "history":
		c.printHistory()
	case "learnings":
		c.printLearnings(ctx)
	case "download":
		if err := c.session.Download(ctx); err != nil {
			c.println("Cannot download: " + err.Error())
		} else {
			c.println("Downloading model...")
		}
	case "retry":
		c.session.RetryLoad(ctx)
	case "status":
		c.printStatus()
	case "activity":
		c.printActivity()
	case "metrics":
		c.outMu.Lock()
		err := metrics.Collector.WriteText(c.out)
		c.outMu.Unlock()
		if err != nil {
			c.logger.Warn("write metrics", "err", err)
		}
	case "clear":
		c.clear(ctx)
	default:
		c.println("Unknown command /" + cmd.Name + ". Type /help.")
	}
	if c.session.State().Turn.Phase != agent.PhaseSending {
		c.print(userPrompt)
	}
	return false
}

func (c *CLI) send(ctx context.Context, text string) {
	c.startThinking()
	if err := c.session.Send(ctx, text); err != nil {
		c.stopThinking()
		switch {
		case errors.Is(err, domain.ErrNotLoaded):
			c.println("The model is not ready yet. " + modelHint(c.session.State()))
		case errors.Is(err, domain.ErrBusy):
			c.println("Still answering. Use /cancel to stop, or wait.")
		}
		c.print(userPrompt)
		return
	}
}

// correct starts a correction of the last reply. With text it is submitted
// at once; otherwise the original is shown and the next line is taken.
func (c *CLI) correct(ctx context.Context, text string) {
	st := c.session.State()
	last := lastAssistant(st.Messages)
	if last.ID == "" {
		c.println("There is no reply to correct yet.")
		return
	}
	if err := c.session.StartCorrection(last.ID); err != nil {
		c.println("Cannot correct now: " + err.Error())
		return
	}
	if text == "" {
		c.correcting = true
		c.println("Correcting: " + last.Content)
		c.println("Type the reply you wanted, or /cancel.")
		return
	}
	c.submitCorrection(ctx, text)
}

func (c *CLI) submitCorrection(ctx context.Context, text string) {
	if err := c.session.SubmitCorrection(ctx, text); err != nil {
		c.logger.Debug("correction not saved", "err", err)
	}
}

func (c *CLI) clear(ctx context.Context) {
	n, err := c.messages.DeleteConversation(ctx, c.session.ConversationID())
	if err != nil {
		c.println("Cannot clear: " + err.Error())
		return
	}
	c.session.Clear()
	c.println(fmt.Sprintf("Deleted %d messages. Learnings are kept.", n))
}

func (c *CLI) printHistory() {
	st := c.session.State()
	if len(st.Messages) == 0 {
		c.println("No messages yet.")
		return
	}
	var sb strings.Builder
	for i, m := range st.Messages {
		fmt.Fprintf(&sb, "%3d  %-9s %s  %s\n", i+1, m.Role, humanize.Time(m.Timestamp), m.Content)
	}
	c.print(sb.String())
}

func (c *CLI) printLearnings(ctx context.Context) {
	text, err := c.learning.BuildLearningContext(ctx)
	if err != nil {
		c.println("Cannot read learnings: " + err.Error())
		return
	}
	if text == "" {
		c.println("Nothing learned yet. Correct a reply with /correct.")
		return
	}
	c.print(text)
}

func (c *CLI) printStatus() {
	st := c.session.State()
	var sb strings.Builder
	fmt.Fprintf(&sb, "Model: %s", st.ModelState)
	if st.ModelError != "" {
		fmt.Fprintf(&sb, " (%s)", st.ModelError)
	}
	sb.WriteString("\n")
	if st.IsDownloading {
		fmt.Fprintf(&sb, "Download: %s\n", percent(st.DownloadProgress))
	}
	fmt.Fprintf(&sb, "Conversation: %s (%d messages)\n", st.ConversationID, len(st.Messages))
	fmt.Fprintf(&sb, "Turn: %s\n", st.Turn.Phase)
	fmt.Fprintf(&sb, "Uptime: %s\n", metrics.Collector.Uptime().Round(time.Second))
	c.print(sb.String())
}

func (c *CLI) printActivity() {
	if c.events == nil {
		c.println("Activity is not recorded in this session.")
		return
	}
	recent := c.events.Recent(activityLimit)
	if len(recent) == 0 {
		c.println("No activity yet.")
		return
	}
	var sb strings.Builder
	for _, e := range recent {
		fmt.Fprintf(&sb, "%-14s %-20s %s\n", humanize.Time(e.Timestamp), e.Type, e.Source)
	}
	c.print(sb.String())
}

// renderState follows session snapshots and prints what changed.
// Snapshots conflate, so a fast turn may never be seen as Sending; its reply
// is then printed whole once it lands in Messages.
func (c *CLI) renderState(ctx context.Context) {
	var (
		prev      agent.SessionState
		first     = true
		lastReply string
		printed   int // runes of StreamingText already written
		streaming bool
		loadStep  = -1
		dlStep    = -1
	)
	for st := range c.session.Subscribe(ctx) {
		if first {
			first = false
			lastReply = lastAssistant(st.Messages).ID
		}

		if st.ModelState != prev.ModelState || st.ModelError != prev.ModelError {
			c.renderModelState(st)
			loadStep = -1
		}
		if st.ModelState == agent.ModelLoading {
			if step := int(st.LoadProgress * 10); step > loadStep {
				loadStep = step
				c.print("\r\033[KLoading model... " + percent(st.LoadProgress))
			}
		}
		if st.IsDownloading {
			if step := int(st.DownloadProgress * 100); step > dlStep {
				dlStep = step
				c.print("\r\033[KDownloading model... " + percent(st.DownloadProgress))
			}
		} else if prev.IsDownloading {
			dlStep = -1
			c.println("")
		}

		if st.Turn.Phase == agent.PhaseSending {
			text := []rune(st.Turn.StreamingText)
			if len(text) > printed {
				if !streaming {
					streaming = true
					c.stopThinking()
					c.print("\r\033[K" + assistantPrefix)
				}
				c.print(string(text[printed:]))
				printed = len(text)
			}
			prev = st
			continue
		}

		reply := lastAssistant(st.Messages)
		fresh := reply.ID != "" && reply.ID != lastReply
		switch {
		case streaming:
			c.println("")
		case fresh:
			c.stopThinking()
			c.println("\r\033[K" + assistantPrefix + reply.Content)
		}
		if streaming || fresh || prev.Turn.Phase == agent.PhaseSending {
			c.stopThinking()
			if st.Error == "" {
				c.print(userPrompt)
			}
		}
		lastReply = reply.ID
		streaming, printed = false, 0
		prev = st
	}
}

func lastAssistant(msgs []domain.ChatMessage) domain.ChatMessage {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == domain.RoleAssistant {
			return msgs[i]
		}
	}
	return domain.ChatMessage{}
}

func (c *CLI) renderModelState(st agent.SessionState) {
	switch st.ModelState {
	case agent.ModelLoading:
		c.print("\r\033[KLoading model...")
	case agent.ModelNeedsDownload:
		c.println("\r\033[KThe model file is missing. " + modelHint(st))
	case agent.ModelError:
		c.println("\r\033[KModel error: " + st.ModelError + ". " + modelHint(st))
	case agent.ModelNotLoaded:
		c.println("\r\033[KThe model was unloaded.")
	}
}

// renderEvents prints one-shot notifications.
func (c *CLI) renderEvents(ctx context.Context) {
	events := c.session.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case agent.EventModelReady:
				c.println("\r\033[KJARVIS is ready.")
				c.print(userPrompt)
			case agent.EventShowError:
				c.stopThinking()
				c.println("\r\033[KError: " + ev.Message)
				c.print(userPrompt)
			case agent.EventCorrectionSaved:
				c.println("\r\033[KCorrection saved. I'll remember that.")
			case agent.EventScrollToBottom:
			}
		}
	}
}

func modelHint(st agent.SessionState) string {
	switch st.ModelState {
	case agent.ModelNeedsDownload:
		return "Type /download to fetch it."
	case agent.ModelError:
		return "Type /retry to load again or /download to fetch the file."
	case agent.ModelLoading:
		return "Loading " + percent(st.LoadProgress) + "."
	}
	return ""
}

// percent renders a progress fraction. Download fractions based on the
// size estimate can pass 1.
func percent(f float64) string {
	return strconv.Itoa(int(min(max(f, 0), 1)*100)) + "%"
}

func (c *CLI) print(s string) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, _ = fmt.Fprint(c.out, s)
}

func (c *CLI) println(s string) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, _ = fmt.Fprintln(c.out, s)
}

func (c *CLI) startThinking() {
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if c.thinking {
		return
	}
	c.thinking = true
	c.thinkStop = make(chan struct{})
	c.thinkDone = make(chan struct{})
	stop, done := c.thinkStop, c.thinkDone
	go func() {
		defer close(done)
		frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
		i := 0
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.print("\r" + frames[i%len(frames)] + " Thinking...")
				i++
			}
		}
	}()
}

func (c *CLI) stopThinking() {
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if !c.thinking {
		return
	}
	c.thinking = false
	close(c.thinkStop)
	<-c.thinkDone
}
