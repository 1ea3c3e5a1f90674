// Package llm contains the provider-neutral request/response types used by
// agents that delegate their work to a large language model.
package llm
