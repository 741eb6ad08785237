// Package openaicompat implements llm.Provider for endpoints that speak the
// OpenAI Chat Completions format (OpenAI, DeepSeek, Qwen, vLLM, local gateways).
//
//	p := openaicompat.New(openaicompat.Config{
//	    ProviderName: "deepseek",
//	    APIKey:       cfg.APIKey,
//	    BaseURL:      "https://api.deepseek.com",
//	    DefaultModel: "deepseek-chat",
//	}, logger)
//
// Non-2xx answers become *llm.Error classified by status; a Retry-After
// header is carried on the error so the generation retry layer can honor it.
package openaicompat
