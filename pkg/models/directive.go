package models

// Directive is one inbound unit of work for the agent: a live user message
// from the messaging adapter, or the callback fired by a scheduled job the
// agent previously registered for itself.
type Directive struct {
	DirectiveText  string         `json:"directiveText"`
	ConversationID string         `json:"conversationId"`
	CallerID       string         `json:"callerId"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Timezone       string         `json:"timezone,omitempty"`
	Role           Role           `json:"role"`
	// CallbackURL is the delivery adapter endpoint the final response is
	// POSTed to. For scheduled firings this is the nested delivery target
	// embedded at schedule-creation time.
	CallbackURL string `json:"callbackUrl"`
}

// Dispatch is the payload POSTed to a directive's CallbackURL once the
// agent produces a final answer.
type Dispatch struct {
	FinalResponseText string         `json:"finalResponseText"`
	ConversationID    string         `json:"conversationId"`
	CallerID          string         `json:"callerId"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	Timezone          string         `json:"timezone,omitempty"`
}
