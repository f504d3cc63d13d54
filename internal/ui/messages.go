package ui

import (
	tea "github.com/charmbracelet/bubbletea"
)

// streamDeltaMsg carries the accumulated response text after a new chunk.
type streamDeltaMsg struct {
	text  string
	model string
}

// streamDoneMsg marks the final callback of a stream. Its text is the
// complete response, partial if the stream stalled out.
type streamDoneMsg struct {
	text  string
	model string
}

// streamErrMsg reports a stream that failed before or during delivery.
type streamErrMsg struct {
	err error
}

// streamClosedMsg fires when the stream goroutine returns, after every
// delta and done event has been forwarded.
type streamClosedMsg struct{}

// revealTickMsg drives the smooth reveal of pending response text.
type revealTickMsg struct{}

// streamEvent is the bridge between the stream callback goroutine and the
// update loop.
type streamEvent struct {
	text  string
	done  bool
	model string
	err   error
}

// waitForEvent receives one stream event as a command. Update re-issues it
// after each event until the channel closes.
func waitForEvent(events <-chan streamEvent) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return streamClosedMsg{}
		}
		if ev.err != nil {
			return streamErrMsg{err: ev.err}
		}
		if ev.done {
			return streamDoneMsg{text: ev.text, model: ev.model}
		}
		return streamDeltaMsg{text: ev.text, model: ev.model}
	}
}
