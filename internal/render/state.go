// Package render reveals streamed text at a bounded, constant rate and
// renders the revealed prefix as terminal Markdown with a typing cursor at
// the true end of content.
package render

// State tracks the smooth-reveal position for one streaming message. It is
// advanced on a fixed tick, independent of network arrival timing, so the
// perceived reveal speed stays roughly constant however bursty delivery is.
type State struct {
	target   string
	runes    []rune
	revealed int
	done     bool
}

// NewState returns an empty reveal state.
func NewState() *State {
	return &State{}
}

// Advance processes one tick against the latest accumulated text. The
// reveal index grows by one rune per tick and never decreases; once done is
// observed the state snaps straight to full reveal, because animating to
// catch up on known-complete content would only add latency.
func (s *State) Advance(target string, done bool) {
	if target != s.target {
		s.target = target
		s.runes = []rune(target)
	}

	if done {
		s.revealed = len(s.runes)
		s.done = true
		return
	}
	if s.revealed < len(s.runes) {
		s.revealed++
	}
}

// Revealed returns the currently visible prefix.
func (s *State) Revealed() string {
	if s.revealed >= len(s.runes) {
		return s.target
	}
	return string(s.runes[:s.revealed])
}

// RevealedIndex returns the reveal position in runes.
func (s *State) RevealedIndex() int {
	return s.revealed
}

// Done reports whether the source stream has completed.
func (s *State) Done() bool {
	return s.done
}

// Pending reports whether unrevealed text remains.
func (s *State) Pending() bool {
	return s.revealed < len(s.runes)
}

// ShowCursor reports whether the typing cursor should be drawn: only at the
// true end of rendered content, while the stream is still open.
func (s *State) ShowCursor() bool {
	return s.revealed == len(s.runes) && !s.done
}
