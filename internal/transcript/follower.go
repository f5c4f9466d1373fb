package transcript

import "sync"

// BottomThreshold is how close, in pixels, the viewport must be to the end of
// the content to count as following it.
const BottomThreshold = 100

// Viewport is a scroll container measurement reported by the viewer.
type Viewport struct {
	ScrollTop    float64 `json:"scroll_top"`
	ScrollHeight float64 `json:"scroll_height"`
	ClientHeight float64 `json:"client_height"`
}

func (v Viewport) AtBottom() bool {
	return v.ScrollHeight-v.ScrollTop-v.ClientHeight < BottomThreshold
}

type Anchor struct {
	WasAtBottom      bool    `json:"was_at_bottom"`
	LastScrollHeight float64 `json:"last_scroll_height"`
}

type Decision struct {
	ScrollToBottom bool   `json:"scroll_to_bottom"`
	Behavior       string `json:"behavior,omitempty"`
}

// Follower decides whether a viewer should be scrolled to the newest entry.
// The decision for a batch uses the anchor captured before the batch was
// measured, so content growth cannot by itself make the viewer stop
// following.
type Follower struct {
	mu     sync.Mutex
	anchor Anchor
}

func NewFollower() *Follower {
	return &Follower{anchor: Anchor{WasAtBottom: true}}
}

// Scrolled records a viewer scroll report.
func (f *Follower) Scrolled(v Viewport) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.anchor = Anchor{WasAtBottom: v.AtBottom(), LastScrollHeight: v.ScrollHeight}
}

// Decide returns the decision for a batch appended now, without changing the
// anchor.
func (f *Follower) Decide() Decision {
	f.mu.Lock()
	defer f.mu.Unlock()
	return decision(f.anchor)
}

// Settle re-evaluates the anchor from a post-render measurement. A viewer that
// was followed is assumed to have landed at the bottom.
func (f *Follower) Settle(after Viewport) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wasAtBottom := f.anchor.WasAtBottom || after.AtBottom()
	f.anchor = Anchor{WasAtBottom: wasAtBottom, LastScrollHeight: after.ScrollHeight}
}

func (f *Follower) Anchor() Anchor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.anchor
}

func decision(a Anchor) Decision {
	if !a.WasAtBottom {
		return Decision{}
	}
	return Decision{ScrollToBottom: true, Behavior: "smooth"}
}
