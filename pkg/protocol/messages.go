// Package protocol defines the frames exchanged between the terminal client
// and the agent server over one WebSocket connection.
package protocol

// MessageType is the discriminator carried in every frame's "type" field.
type MessageType string

// Server to client.
const (
	TypeAgentStart       MessageType = "agent-start"
	TypeAgentStop        MessageType = "agent-stop"
	TypeAgentError       MessageType = "agent-error"
	TypeAgentToken       MessageType = "agent-token"
	TypeRunCommandTool   MessageType = "agent-run-command-tool"
	TypeGetLineGroupTool MessageType = "agent-get-line-group-tool"
)

// Client to server.
const (
	TypeAgentCancel              MessageType = "agent-cancel"
	TypeSendReply                MessageType = "send-reply"
	TypeRunCommandToolResponse   MessageType = "agent-run-command-tool-response"
	TypeGetLineGroupToolResponse MessageType = "agent-get-line-group-tool-response"
)

// Message is any frame of either family.
type Message interface {
	Type() MessageType
}

// S2CMessage is a frame sent by the server. The set of implementations is closed.
type S2CMessage interface {
	Message
	isS2C()
}

// C2SMessage is a frame sent by the client. The set of implementations is closed.
type C2SMessage interface {
	Message
	isC2S()
}

// AgentStart marks the beginning of an agent turn.
type AgentStart struct{}

// AgentStop marks the end of an agent turn, including a cancelled one.
type AgentStop struct{}

// AgentError reports a failed turn.
type AgentError struct {
	Error string `json:"error"`
}

// AgentToken carries one streamed text fragment.
type AgentToken struct {
	Token string `json:"token"`
}

// RunCommandToolCall asks the client to execute a command.
type RunCommandToolCall struct {
	ID    string          `json:"id"`
	Input RunCommandInput `json:"input"`
}

// GetLineGroupToolCall asks the client for a range of buffered output.
type GetLineGroupToolCall struct {
	ID    string            `json:"id"`
	Input GetLineGroupInput `json:"input"`
}

// AgentCancel asks the server to abort the running turn.
type AgentCancel struct{}

// SendReply carries user text that starts a new turn.
type SendReply struct {
	Reply string `json:"reply"`
}

// RunCommandToolResponse answers a RunCommandToolCall with the same ID.
type RunCommandToolResponse struct {
	ID     string           `json:"id"`
	Output RunCommandOutput `json:"output"`
}

// GetLineGroupToolResponse answers a GetLineGroupToolCall with the same ID.
type GetLineGroupToolResponse struct {
	ID     string          `json:"id"`
	Output LineGroupResult `json:"output"`
}

func (AgentStart) Type() MessageType           { return TypeAgentStart }
func (AgentStop) Type() MessageType            { return TypeAgentStop }
func (AgentError) Type() MessageType           { return TypeAgentError }
func (AgentToken) Type() MessageType           { return TypeAgentToken }
func (RunCommandToolCall) Type() MessageType   { return TypeRunCommandTool }
func (GetLineGroupToolCall) Type() MessageType { return TypeGetLineGroupTool }

func (AgentCancel) Type() MessageType              { return TypeAgentCancel }
func (SendReply) Type() MessageType                { return TypeSendReply }
func (RunCommandToolResponse) Type() MessageType   { return TypeRunCommandToolResponse }
func (GetLineGroupToolResponse) Type() MessageType { return TypeGetLineGroupToolResponse }

func (AgentStart) isS2C()           {}
func (AgentStop) isS2C()            {}
func (AgentError) isS2C()           {}
func (AgentToken) isS2C()           {}
func (RunCommandToolCall) isS2C()   {}
func (GetLineGroupToolCall) isS2C() {}

func (AgentCancel) isC2S()              {}
func (SendReply) isC2S()                {}
func (RunCommandToolResponse) isC2S()   {}
func (GetLineGroupToolResponse) isC2S() {}
