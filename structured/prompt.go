package structured

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/BaSui01/schemaflow/types"
	"github.com/goccy/go-json"
)

// BuildInstructionMessage 构建放在对话最前面的系统指令消息，
// 内嵌格式化后的 Schema、可选示例输出以及「只输出 JSON」的约束。
func BuildInstructionMessage(schema, example []byte) (types.Message, error) {
	schemaJSON, err := prettyJSON(schema)
	if err != nil {
		return types.Message{}, types.NewError(types.ErrSchemaInvalid, "schema is not a valid JSON document").WithCause(err)
	}

	var sb strings.Builder
	sb.WriteString("You are a helpful assistant that generates structured JSON output.\n\n")
	sb.WriteString("IMPORTANT INSTRUCTIONS:\n")
	sb.WriteString("1. You MUST respond with valid JSON that conforms to the schema below.\n")
	sb.WriteString("2. Do NOT include any text before or after the JSON.\n")
	sb.WriteString("3. Do NOT wrap the JSON in markdown code blocks.\n")
	sb.WriteString("4. Ensure all required fields are present and have valid values.\n")
	sb.WriteString("5. Follow all constraints specified in the schema (enum values, min/max, patterns, etc.).\n\n")
	sb.WriteString("JSON Schema:\n")
	sb.WriteString("```json\n")
	sb.WriteString(schemaJSON)
	sb.WriteString("\n```\n\n")

	if hasExample(example) {
		exampleJSON, err := prettyJSON(example)
		if err != nil {
			return types.Message{}, types.NewError(types.ErrInvalidRequest, "example output is not valid JSON").WithCause(err)
		}
		sb.WriteString("Example output:\n")
		sb.WriteString("```json\n")
		sb.WriteString(exampleJSON)
		sb.WriteString("\n```\n\n")
	}

	sb.WriteString("Respond with ONLY the JSON object, with no explanation or surrounding prose.")

	return types.NewSystemMessage(sb.String()), nil
}

// BuildFeedbackMessage 构建校验失败后追加的 user 消息，列出全部违规项。
func BuildFeedbackMessage(violations []Violation) types.Message {
	var sb strings.Builder
	sb.WriteString("Your previous response did not satisfy the JSON Schema. ")
	fmt.Fprintf(&sb, "It had %d validation error(s):\n", len(violations))
	sb.WriteString(FormatViolations(violations))
	sb.WriteString("\n\nPlease respond again with a corrected JSON object that strictly satisfies the schema. ")
	sb.WriteString("Respond with ONLY the JSON object.")
	return types.NewUserMessage(sb.String())
}

func prettyJSON(raw []byte) (string, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, bytes.TrimSpace(raw), "", "  "); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// hasExample treats an absent value and a JSON null as "no example".
func hasExample(example []byte) bool {
	trimmed := bytes.TrimSpace(example)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}
