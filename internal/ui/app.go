// Package ui is the terminal chat front end. It owns the input area, the
// transcript viewport and the smooth reveal of streamed responses.
package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"chatstream/internal/chatclient"
	"chatstream/internal/config"
	"chatstream/internal/history"
	"chatstream/internal/models"
	"chatstream/internal/render"
)

// message is one finalized transcript entry.
type message struct {
	role      string
	content   string
	model     string
	rendered  string
	collapsed bool
}

// App is the bubbletea model for the chat client.
type App struct {
	cfg    config.ClientConfig
	client *chatclient.Client
	store  *history.Store

	viewport viewport.Model
	textarea textarea.Model
	spinner  spinner.Model

	renderer *render.Renderer
	state    *render.State

	width  int
	height int
	ready  bool

	collection history.Collection
	messages   []message

	streaming     bool
	awaitingFirst bool
	streamText    string
	streamDone    bool
	streamModel   string
	events        chan streamEvent
	cancelStream  context.CancelFunc

	errText string
}

// New builds the chat application. The history store is optional; with a
// nil store the transcript lives only for the process lifetime.
func New(cfg config.ClientConfig, client *chatclient.Client, store *history.Store) (*App, error) {
	ta := textarea.New()
	ta.Placeholder = "Type a message..."
	ta.Focus()
	ta.Prompt = "┃ "
	ta.CharLimit = 0
	ta.SetHeight(3)
	ta.ShowLineNumbers = false

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(accentColor)

	app := &App{
		cfg:      cfg,
		client:   client,
		store:    store,
		textarea: ta,
		spinner:  sp,
		renderer: render.NewRenderer(80),
	}

	if store != nil {
		if err := app.restoreLatest(); err != nil {
			return nil, err
		}
	}
	return app, nil
}

// restoreLatest resumes the most recently updated thread, creating one on
// first run. Long stored messages come back collapsed so a large backlog
// does not stall the first paint.
func (a *App) restoreLatest() error {
	cols, err := a.store.Collections()
	if err != nil {
		return fmt.Errorf("list history collections: %w", err)
	}
	if len(cols) == 0 {
		col, err := a.store.CreateCollection("New chat")
		if err != nil {
			return fmt.Errorf("create history collection: %w", err)
		}
		a.collection = col
		return nil
	}

	a.collection = cols[0]
	stored, err := a.store.Messages(a.collection.ID)
	if err != nil {
		return fmt.Errorf("load history messages: %w", err)
	}
	for _, m := range stored {
		_, collapsed := render.TruncateForCollapse(m.Content, a.cfg.CollapseThreshold)
		a.messages = append(a.messages, message{
			role:      m.Role,
			content:   m.Content,
			model:     m.Model,
			collapsed: collapsed,
		})
	}
	return nil
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, a.spinner.Tick)
}

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.resize(msg.Width, msg.Height)
		return a, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			if a.cancelStream != nil {
				a.cancelStream()
			}
			return a, tea.Quit

		case tea.KeyEsc:
			if a.streaming {
				a.abortStream()
				return a, nil
			}

		case tea.KeyEnter:
			if !a.streaming && strings.TrimSpace(a.textarea.Value()) != "" {
				return a, a.send(strings.TrimSpace(a.textarea.Value()))
			}

		case tea.KeyCtrlE:
			a.expandAll()
			return a, nil
		}

	case spinner.TickMsg:
		if a.awaitingFirst {
			var cmd tea.Cmd
			a.spinner, cmd = a.spinner.Update(msg)
			a.refreshViewport()
			return a, cmd
		}
		return a, nil

	case streamDeltaMsg:
		a.awaitingFirst = false
		a.streamText = msg.text
		a.streamModel = msg.model
		return a, waitForEvent(a.events)

	case streamDoneMsg:
		a.awaitingFirst = false
		a.streamText = msg.text
		a.streamModel = msg.model
		a.streamDone = true
		return a, waitForEvent(a.events)

	case streamErrMsg:
		a.errText = msg.err.Error()
		if errors.Is(msg.err, chatclient.ErrUnauthorized) {
			a.errText = "unauthorized: check the configured key pool"
		}
		// A failure before the first chunk means no done event will ever
		// arrive; keep whatever partial text exists and stop streaming.
		if a.streaming {
			a.finalizeStream(a.streamText)
		}
		return a, waitForEvent(a.events)

	case streamClosedMsg:
		// The producer goroutine is gone. If the reveal already caught up
		// the next tick finalizes; nothing to do here.
		return a, nil

	case revealTickMsg:
		return a, a.reveal()
	}

	var cmd tea.Cmd
	a.textarea, cmd = a.textarea.Update(msg)
	cmds = append(cmds, cmd)
	return a, tea.Batch(cmds...)
}

// send finalizes the user turn and opens the response stream.
func (a *App) send(text string) tea.Cmd {
	a.textarea.Reset()
	a.errText = ""

	a.appendMessage(message{role: models.RoleUser, content: text})
	a.persist(models.Message{Role: models.RoleUser, Content: text}, "")

	convo := make([]models.Message, 0, len(a.messages))
	for _, m := range a.messages {
		convo = append(convo, models.Message{Role: m.role, Content: m.content})
	}

	a.streaming = true
	a.awaitingFirst = true
	a.streamText = ""
	a.streamDone = false
	a.streamModel = ""
	a.state = render.NewState()
	a.events = make(chan streamEvent, 64)

	ctx, cancel := context.WithCancel(context.Background())
	a.cancelStream = cancel

	events := a.events
	req := chatclient.ChatRequest{
		Messages: convo,
		Config: models.ModelConfig{
			Model:       a.cfg.Model,
			Temperature: a.cfg.Temperature,
			MaxTokens:   a.cfg.MaxTokens,
		},
	}

	go func() {
		err := a.client.Stream(ctx, req, func(text string, done bool, resolvedModel string) {
			ev := streamEvent{text: text, done: done, model: resolvedModel}
			if done {
				events <- ev
				return
			}
			// Deltas carry the full accumulated text, so dropping one
			// under backpressure loses nothing.
			select {
			case events <- ev:
			default:
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			events <- streamEvent{err: err}
		}
		close(events)
	}()

	a.refreshViewport()
	return tea.Batch(waitForEvent(events), a.tick(), a.spinner.Tick)
}

// reveal advances the smooth render by one step and schedules the next one.
func (a *App) reveal() tea.Cmd {
	if !a.streaming {
		return nil
	}

	a.state.Advance(a.streamText, a.streamDone)
	a.refreshViewport()

	if a.state.Done() {
		a.finalizeStream(a.state.Revealed())
		return nil
	}
	return a.tick()
}

func (a *App) tick() tea.Cmd {
	return tea.Tick(a.cfg.RevealInterval(), func(time.Time) tea.Msg {
		return revealTickMsg{}
	})
}

// abortStream handles the user pressing escape mid-stream. The context
// cancel in finalizeStream guarantees no further callbacks; whatever text
// arrived becomes the finalized message.
func (a *App) abortStream() {
	a.finalizeStream(a.streamText)
}

// finalizeStream closes out the in-flight response. Cancelling the stream
// context here, even after natural completion, releases the consumer's
// connection resources.
func (a *App) finalizeStream(text string) {
	a.streaming = false
	a.awaitingFirst = false
	if a.cancelStream != nil {
		a.cancelStream()
		a.cancelStream = nil
	}

	if text != "" {
		a.appendMessage(message{role: models.RoleAssistant, content: text, model: a.streamModel})
		a.persist(models.Message{Role: models.RoleAssistant, Content: text}, a.streamModel)
	}
	a.streamText = ""
	a.streamDone = false
	a.refreshViewport()
}

func (a *App) appendMessage(m message) {
	m.rendered = a.renderMessage(m)
	a.messages = append(a.messages, m)
}

func (a *App) persist(msg models.Message, model string) {
	if a.store == nil {
		return
	}
	if err := a.store.Append(a.collection.ID, msg, model); err != nil {
		a.errText = fmt.Sprintf("history write failed: %v", err)
	}
}

func (a *App) renderMessage(m message) string {
	label := a.roleLabel(m)
	content := m.content
	truncated := false
	if m.collapsed {
		content, truncated = render.TruncateForCollapse(content, a.cfg.CollapseThreshold)
	}

	var body string
	if m.role == models.RoleAssistant {
		body = a.renderer.Render(content, false)
	} else {
		body = content
	}
	if truncated {
		body += dimStyle.Render("\n… collapsed, ctrl+e to expand")
	}
	return label + "\n" + body
}

// expandAll reveals every collapsed transcript entry in full.
func (a *App) expandAll() {
	changed := false
	for i := range a.messages {
		if a.messages[i].collapsed {
			a.messages[i].collapsed = false
			a.messages[i].rendered = a.renderMessage(a.messages[i])
			changed = true
		}
	}
	if changed {
		a.refreshViewport()
	}
}

func (a *App) roleLabel(m message) string {
	if m.role == models.RoleUser {
		return userStyle.Render("You")
	}
	label := "Assistant"
	if m.model != "" {
		label += " " + dimStyle.Render("("+m.model+")")
	}
	return assistantStyle.Render(label)
}

func (a *App) resize(width, height int) {
	a.width = width
	a.height = height

	contentWidth := width - 2
	a.renderer = render.NewRenderer(contentWidth)
	a.textarea.SetWidth(width)

	viewportHeight := height - a.textarea.Height() - 2
	if viewportHeight < 1 {
		viewportHeight = 1
	}
	if !a.ready {
		a.viewport = viewport.New(width, viewportHeight)
		a.ready = true
	} else {
		a.viewport.Width = width
		a.viewport.Height = viewportHeight
	}

	// Cached renders depend on width.
	for i := range a.messages {
		a.messages[i].rendered = a.renderMessage(a.messages[i])
	}
	a.refreshViewport()
}

func (a *App) refreshViewport() {
	if !a.ready {
		return
	}

	var parts []string
	for _, m := range a.messages {
		parts = append(parts, m.rendered)
	}

	if a.streaming {
		label := assistantStyle.Render("Assistant")
		if a.streamModel != "" {
			label = assistantStyle.Render("Assistant") + " " + dimStyle.Render("("+a.streamModel+")")
		}
		if a.awaitingFirst {
			parts = append(parts, label+"\n"+a.spinner.View()+dimStyle.Render(" waiting for response"))
		} else {
			parts = append(parts, label+"\n"+a.renderer.Render(a.state.Revealed(), a.state.ShowCursor()))
		}
	}

	if a.errText != "" {
		parts = append(parts, errorStyle.Render("✗ "+a.errText))
	}

	a.viewport.SetContent(strings.Join(parts, "\n\n"))
	a.viewport.GotoBottom()
}

func (a *App) View() string {
	if !a.ready {
		return "starting..."
	}

	status := statusStyle.Render(a.statusLine())
	return a.viewport.View() + "\n" + a.textarea.View() + "\n" + status
}

func (a *App) statusLine() string {
	if a.streaming {
		return fmt.Sprintf("streaming · esc cancel · model %s", a.cfg.Model)
	}
	return fmt.Sprintf("enter send · ctrl+c quit · model %s", a.cfg.Model)
}
