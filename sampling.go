package mcp

// SamplingMessage is one turn in a sampling/createMessage conversation.
type SamplingMessage struct {
	Role    string       `json:"role"`
	Content ContentBlock `json:"content"`
}

// ModelHint is a soft preference for a model family/name.
type ModelHint struct {
	Name string `json:"name,omitempty"`
}

// ModelPreferences steers model selection for a sampling request.
type ModelPreferences struct {
	Hints                []ModelHint `json:"hints,omitempty"`
	CostPriority         *float64    `json:"costPriority,omitempty"`
	SpeedPriority        *float64    `json:"speedPriority,omitempty"`
	IntelligencePriority *float64    `json:"intelligencePriority,omitempty"`
}

// CreateMessageParams are the parameters of a sampling/createMessage
// request (S→C): a server asks the host's model to complete a message.
type CreateMessageParams struct {
	Messages         []SamplingMessage `json:"messages"`
	ModelPreferences *ModelPreferences `json:"modelPreferences,omitempty"`
	SystemPrompt     string            `json:"systemPrompt,omitempty"`
	MaxTokens        int               `json:"maxTokens"`
}

// CreateMessageResult is the result of a sampling/createMessage request.
type CreateMessageResult struct {
	Role       string       `json:"role"`
	Content    ContentBlock `json:"content"`
	Model      string       `json:"model"`
	StopReason string       `json:"stopReason,omitempty"`
}

// ElicitationSchema is the JSON-Schema subset constraining an elicitation's
// requested fields; reuses the same object-shaped validator as tool schemas.
type ElicitationSchema = Tool

// CreateElicitationParams are the parameters of an elicitation/create
// request (S→C): a server asks the host to collect structured input from
// its user.
type CreateElicitationParams struct {
	Message         string `json:"message"`
	RequestedSchema any    `json:"requestedSchema"`
}

// CreateElicitationResult is the result of an elicitation/create request.
type CreateElicitationResult struct {
	Action  string         `json:"action"` // "accept" | "decline" | "cancel"
	Content map[string]any `json:"content,omitempty"`
}

// Root is one filesystem root a client exposes to servers.
type Root struct {
	URI  string `json:"uri"`
	Name string `json:"name,omitempty"`
}

// ListRootsResult is the result of a roots/list request (S→C).
type ListRootsResult struct {
	Roots []Root `json:"roots"`
}

// CompleteArgument identifies which argument completion is requested for.
type CompleteArgument struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CompleteReference identifies the prompt or resource template being completed against.
type CompleteReference struct {
	Type string `json:"type"` // "ref/prompt" | "ref/resource"
	Name string `json:"name,omitempty"`
	URI  string `json:"uri,omitempty"`
}

// CompleteParams are the parameters of a completion/complete request.
type CompleteParams struct {
	Ref      CompleteReference `json:"ref"`
	Argument CompleteArgument  `json:"argument"`
}

// CompletionValues carries the suggested completion values and pagination info.
type CompletionValues struct {
	Values  []string `json:"values"`
	Total   *int     `json:"total,omitempty"`
	HasMore bool     `json:"hasMore,omitempty"`
}

// CompleteResult is the result of a completion/complete request.
type CompleteResult struct {
	Completion CompletionValues `json:"completion"`
}
