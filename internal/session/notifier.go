package session

// TimeoutEvent is the payload of a prompt-timeout notification.
type TimeoutEvent struct {
	SessionName     string `json:"sessionName"`
	TimeoutMs       int    `json:"timeoutMs"`
	PromptText      string `json:"promptText"`
	PartialResponse string `json:"partialResponse"`
}

// Notifier receives session lifecycle events for passive observers
// (live output views, logs). Within one prompt, Data calls arrive in
// process output order and exactly one terminal call (PromptComplete,
// PromptError, or PromptTimeout) follows them. Terminal outcomes are
// also reported through SendPrompt's return values; the two channels
// never disagree.
type Notifier interface {
	PromptStart(session, prompt string)
	Data(session, chunk string)
	Stderr(session, line string)
	PromptComplete(session, response string)
	PromptError(session string, err error)
	PromptTimeout(ev TimeoutEvent)

	// SessionCrashed fires on an unsolicited exit of a persistent
	// (interactive-mode) agent process.
	SessionCrashed(session string, exitCode int, reason string)
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) PromptStart(session, prompt string) {}

func (NopNotifier) Data(session, chunk string) {}

func (NopNotifier) Stderr(session, line string) {}

func (NopNotifier) PromptComplete(session, response string) {}

func (NopNotifier) PromptError(session string, err error) {}

func (NopNotifier) PromptTimeout(ev TimeoutEvent) {}

func (NopNotifier) SessionCrashed(session string, code int, r string) {}
