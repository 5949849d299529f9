package structured

// State 定义结构化补全重试循环的状态
type State string

const (
	StateAttempting       State = "attempting"        // 正在调用 Provider
	StateParseFailed      State = "parse_failed"      // 无法提取 JSON，尚有重试额度
	StateValidationFailed State = "validation_failed" // Schema 校验失败，尚有重试额度
	StateProviderFailed   State = "provider_failed"   // Provider 调用失败，尚有重试额度
	StateSuccess          State = "success"           // 校验通过
	StateExhaustedStrict  State = "exhausted_strict"  // 额度用尽，返回错误
	StateExhaustedLenient State = "exhausted_lenient" // 额度用尽，返回尽力而为的结果
)

// IsTerminal 判断是否为终止状态
func (s State) IsTerminal() bool {
	switch s {
	case StateSuccess, StateExhaustedStrict, StateExhaustedLenient:
		return true
	}
	return false
}

// AttemptOutcome 是单次尝试的结果分类
type AttemptOutcome string

const (
	OutcomeNone            AttemptOutcome = ""                 // 重试状态推进到下一次尝试
	OutcomeValid           AttemptOutcome = "valid"            // 提取并校验通过
	OutcomeParseFailure    AttemptOutcome = "parse_failure"    // 提取失败
	OutcomeInvalid         AttemptOutcome = "invalid"          // 提取成功但校验失败
	OutcomeProviderFailure AttemptOutcome = "provider_failure" // Provider 报错或超时
)

// Transition 是重试循环的状态转换函数。
//
// attempt 为零基尝试序号，maxRetries 为允许的重试次数，因此最后一次尝试
// 满足 attempt == maxRetries。Provider 失败在额度用尽时总是进入
// StateExhaustedStrict，与 strict 无关。终止状态会原样返回。
func Transition(s State, o AttemptOutcome, attempt, maxRetries int, strict bool) State {
	switch s {
	case StateParseFailed, StateValidationFailed, StateProviderFailed:
		return StateAttempting
	case StateAttempting:
	default:
		return s
	}

	remaining := attempt < maxRetries
	exhausted := StateExhaustedLenient
	if strict {
		exhausted = StateExhaustedStrict
	}

	switch o {
	case OutcomeValid:
		return StateSuccess
	case OutcomeParseFailure:
		if remaining {
			return StateParseFailed
		}
		return exhausted
	case OutcomeInvalid:
		if remaining {
			return StateValidationFailed
		}
		return exhausted
	case OutcomeProviderFailure:
		if remaining {
			return StateProviderFailed
		}
		return StateExhaustedStrict
	default:
		return s
	}
}
