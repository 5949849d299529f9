// Package openaicompat provides a completion provider for any endpoint that
// speaks the OpenAI Chat Completions format.
//
// OpenAI, DeepSeek, Qwen, vLLM and Ollama share the same request and
// response shape, so one implementation covers them; only the name, base URL,
// default model and (optionally) headers differ:
//
//	p := openaicompat.New(openaicompat.Config{
//	    ProviderName: "deepseek",
//	    APIKey:       cfg.APIKey,
//	    BaseURL:      "https://api.deepseek.com",
//	    DefaultModel: "deepseek-chat",
//	}, logger)
//
// When a request carries a response_format hint it is forwarded verbatim as
// {"type":"json_object"}.
package openaicompat
