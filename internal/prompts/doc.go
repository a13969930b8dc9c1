// Package prompts holds the LLM prompt templates used internally by
// argusd.
//
// Prompt text is Go code rather than config files because it is
// program logic: the template is compiled in, versioned with the
// binary, and covered by tests like anything else. Operator-facing
// configuration lives in config.yaml; this package holds the
// instructions sent to the model for the ReAct investigation loop.
package prompts
