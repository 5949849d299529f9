package structured

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// ErrNoJSON is returned when the text contains nothing that parses as JSON.
var ErrNoJSON = errors.New("no JSON payload found in response")

// Extraction is the tagged result of Extract: exactly one of Value or Err
// is meaningful. A successfully extracted JSON null is a valid Value.
type Extraction struct {
	Value any
	Err   error
}

// OK reports whether extraction succeeded.
func (e Extraction) OK() bool { return e.Err == nil }

// Extract locates the JSON payload in raw provider text.
//
// It parses the span from the first '{' to the last '}' inclusive; when that
// span is missing or does not parse, it parses the whole trimmed text. Multiple
// objects or literal braces in surrounding prose make the span ambiguous and
// usually fall through to the whole-text parse, which then fails.
func Extract(text string) Extraction {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Extraction{Err: ErrNoJSON}
	}

	var spanErr error
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		var v any
		if spanErr = json.Unmarshal([]byte(trimmed[start:end+1]), &v); spanErr == nil {
			return Extraction{Value: v}
		}
	}

	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		if spanErr != nil {
			return Extraction{Err: fmt.Errorf("%w: %v", ErrNoJSON, spanErr)}
		}
		return Extraction{Err: fmt.Errorf("%w: %v", ErrNoJSON, err)}
	}
	return Extraction{Value: v}
}
