package protocol

import (
	"encoding/json"
	"fmt"
)

// MustString enforces string representation for fields that the protocol allows
// to be either a string or an integer, such as request IDs. It converts numeric
// values to their decimal string form during unmarshaling.
type MustString string

// Message represents a JSON-RPC 2.0 message. Depending on which fields are
// populated it is a request (ID, Method, Params), a response (ID and either
// Result or Error), or a notification (Method without ID).
type Message struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification.
	JSONRPC string `json:"jsonrpc"`
	// ID uniquely identifies request-response pairs.
	ID MustString `json:"id,omitempty"`
	// Method contains the RPC method name for requests and notifications.
	Method string `json:"method,omitempty"`
	// Params contains the parameters for the method call as raw JSON.
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data as raw JSON.
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed.
	Error *Error `json:"error,omitempty"`
}

// IsNotification reports whether the message is a notification or a
// response-shaped message, neither of which may be routed into request
// dispatch.
func (m Message) IsNotification() bool {
	return m.Method == "" || m.ID == ""
}

// Error represents a JSON-RPC 2.0 error object. It implements the error
// interface so handler code can return it directly and transports can pick
// the code back out with errors.As.
type Error struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func (e Error) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s", e.Code, e.Message)
}

// JSON-RPC error codes. The standard range plus the method-specific codes
// this server emits.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeToolNotFound     = -32000
	CodePromptNotFound   = -32001
	CodeResourceNotFound = -32002
)

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
	JSONRPCVersion = "2.0"

	// MethodInitialize establishes the session and negotiates the protocol version.
	MethodInitialize = "initialize"

	// MethodToolsList retrieves the list of available tools.
	MethodToolsList = "tools/list"
	// MethodToolsCall invokes a specific tool.
	MethodToolsCall = "tools/call"

	// MethodResourcesList lists available resources.
	MethodResourcesList = "resources/list"
	// MethodResourcesRead reads the content of a specific resource.
	MethodResourcesRead = "resources/read"
	// MethodResourcesTemplatesList lists available resource templates.
	MethodResourcesTemplatesList = "resources/templates/list"
	// MethodResourcesSubscribe subscribes to resource updates.
	MethodResourcesSubscribe = "resources/subscribe"
	// MethodResourcesUnsubscribe unsubscribes from resource updates.
	MethodResourcesUnsubscribe = "resources/unsubscribe"

	// MethodPromptsList retrieves the list of available prompts.
	MethodPromptsList = "prompts/list"
	// MethodPromptsGet retrieves a specific prompt by name.
	MethodPromptsGet = "prompts/get"

	// MethodNotificationsInitialized is sent by the client once initialization completes.
	MethodNotificationsInitialized = "notifications/initialized"

	// MethodNotificationsToolsListChanged announces a changed tool list.
	MethodNotificationsToolsListChanged = "notifications/tools/list_changed"
	// MethodNotificationsResourcesListChanged announces a changed resource list.
	MethodNotificationsResourcesListChanged = "notifications/resources/list_changed"
	// MethodNotificationsResourcesUpdated announces an update to a subscribed resource.
	MethodNotificationsResourcesUpdated = "notifications/resources/updated"
	// MethodNotificationsPromptsListChanged announces a changed prompt list.
	MethodNotificationsPromptsListChanged = "notifications/prompts/list_changed"
)

// Accepted protocol revisions. The HTTP transport rejects requests carrying
// any other MCP-Protocol-Version header value.
const (
	ProtocolVersion       = "2025-06-18"
	ProtocolVersionLegacy = "2025-03-26"
)

// SupportedVersion reports whether v is a protocol revision this server speaks.
// An empty string is accepted for backwards compatibility and treated as the
// legacy revision.
func SupportedVersion(v string) bool {
	return v == "" || v == ProtocolVersion || v == ProtocolVersionLegacy
}

// UnmarshalJSON implements json.Unmarshaler to convert JSON data into MustString,
// handling both string and numeric input formats.
func (m *MustString) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case string:
		*m = MustString(v)
	case float64:
		*m = MustString(fmt.Sprintf("%d", int(v)))
	case int:
		*m = MustString(fmt.Sprintf("%d", v))
	default:
		return fmt.Errorf("invalid type: %T", v)
	}

	return nil
}

// MarshalJSON implements json.Marshaler to convert MustString into its JSON
// representation, always encoding as a string value.
func (m MustString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(m))
}
