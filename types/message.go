package types

// Role 对话消息的角色
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid 结构化补全只接受这三种角色
func (r Role) Valid() bool {
	return r == RoleSystem || r == RoleUser || r == RoleAssistant
}

// Message 发送给补全服务的一条消息
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

func NewMessage(role Role, content string) Message { return Message{Role: role, Content: content} }

func NewSystemMessage(content string) Message { return NewMessage(RoleSystem, content) }

func NewUserMessage(content string) Message { return NewMessage(RoleUser, content) }

func NewAssistantMessage(content string) Message { return NewMessage(RoleAssistant, content) }
