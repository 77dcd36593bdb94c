package mcp

import "encoding/json"

// Method names for the abstract message catalog. Requests and
// notifications are dispatched by exact string match against these.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodPing        = "ping"

	MethodResourcesList          = "resources/list"
	MethodResourceTemplatesList  = "resources/templates/list"
	MethodResourcesRead          = "resources/read"
	MethodResourcesSubscribe     = "resources/subscribe"
	MethodResourcesUnsubscribe   = "resources/unsubscribe"
	MethodResourcesUpdated       = "notifications/resources/updated"
	MethodResourcesListChanged   = "notifications/resources/list_changed"

	MethodPromptsList        = "prompts/list"
	MethodPromptsGet         = "prompts/get"
	MethodPromptsListChanged = "notifications/prompts/list_changed"

	MethodToolsList        = "tools/list"
	MethodToolsCall        = "tools/call"
	MethodToolsListChanged = "notifications/tools/list_changed"

	MethodLoggingSetLevel = "logging/setLevel"
	MethodLoggingMessage  = "notifications/message"

	MethodCompletionComplete = "completion/complete"

	MethodSamplingCreateMessage = "sampling/createMessage"
	MethodElicitationCreate     = "elicitation/create"

	MethodRootsList        = "roots/list"
	MethodRootsListChanged = "notifications/roots/list_changed"

	MethodCancelled = "notifications/cancelled"
	MethodProgress  = "notifications/progress"
)

// defaultDebouncedMethods is the default set of inbound notification
// methods the engine coalesces, delivering at most one per method per
// debounce window. Implementers may override this set via
// EngineOptions.DebouncedNotifications.
var defaultDebouncedMethods = map[string]bool{
	MethodResourcesListChanged: true,
	MethodToolsListChanged:     true,
	MethodPromptsListChanged:   true,
	MethodRootsListChanged:     true,
}

// Meta carries the optional "_meta" bag present on request/result/
// notification params across the message catalog.
type Meta map[string]any

// metaEnvelope carries a progress token into a request's "_meta" field.
// It is threaded in via helper functions rather than struct embedding so
// every params type stays a flat, independently-marshalable struct.
type metaEnvelope struct {
	ProgressToken any `json:"progressToken,omitempty"`
}

// paramsWithMeta wraps arbitrary request params with a "_meta" field
// carrying a progress token, used by the engine when a caller supplies a
// progress callback.
func paramsWithMeta(params json.RawMessage, progressToken any) (json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if len(params) > 0 {
		if err := json.Unmarshal(params, &obj); err != nil {
			return nil, err
		}
	} else {
		obj = map[string]json.RawMessage{}
	}
	meta, err := json.Marshal(metaEnvelope{ProgressToken: progressToken})
	if err != nil {
		return nil, err
	}
	obj["_meta"] = meta
	return json.Marshal(obj)
}

// extractProgressToken reads params._meta.progressToken from raw request
// params, returning (nil, false) if absent.
func extractProgressToken(params json.RawMessage) (any, bool) {
	var obj struct {
		Meta metaEnvelope `json:"_meta"`
	}
	if len(params) == 0 {
		return nil, false
	}
	if err := json.Unmarshal(params, &obj); err != nil {
		return nil, false
	}
	if obj.Meta.ProgressToken == nil {
		return nil, false
	}
	return obj.Meta.ProgressToken, true
}

// CancelledParams are the parameters of a notifications/cancelled message.
type CancelledParams struct {
	RequestID RequestID `json:"requestId"`
	Reason    string    `json:"reason,omitempty"`
}

// ProgressParams are the parameters of a notifications/progress message.
// Progress must be monotonically non-decreasing within a request; Total,
// when present, must be non-negative.
type ProgressParams struct {
	ProgressToken any     `json:"progressToken"`
	Progress      float64 `json:"progress"`
	Total         *float64 `json:"total,omitempty"`
	Message       string  `json:"message,omitempty"`
}

// LoggingLevel is one of the RFC 5424 severities MCP's logging/setLevel
// and notifications/message use.
type LoggingLevel string

const (
	LogDebug     LoggingLevel = "debug"
	LogInfo      LoggingLevel = "info"
	LogNotice    LoggingLevel = "notice"
	LogWarning   LoggingLevel = "warning"
	LogError     LoggingLevel = "error"
	LogCritical  LoggingLevel = "critical"
	LogAlert     LoggingLevel = "alert"
	LogEmergency LoggingLevel = "emergency"
)

func (l LoggingLevel) valid() bool {
	switch l {
	case LogDebug, LogInfo, LogNotice, LogWarning, LogError, LogCritical, LogAlert, LogEmergency:
		return true
	}
	return false
}

// SetLevelParams are the parameters of a logging/setLevel request.
type SetLevelParams struct {
	Level LoggingLevel `json:"level"`
}

// LoggingMessageParams are the parameters of a notifications/message
// (server→client logging) notification.
type LoggingMessageParams struct {
	Level  LoggingLevel `json:"level"`
	Logger string       `json:"logger,omitempty"`
	Data   any          `json:"data"`
}

// CursorParams is embedded by list requests supporting pagination.
type CursorParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// PingParams is always empty; ping carries no params in either direction.
type PingParams struct{}

// EmptyResult is returned by operations with no meaningful result payload
// (ping, resources/subscribe, resources/unsubscribe, logging/setLevel).
type EmptyResult struct{}
