package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for agent observability spans and metrics.
var (
	AttrLLMModel    = attribute.Key("llm.model")
	AttrLLMProvider = attribute.Key("llm.provider")
	AttrLLMMethod   = attribute.Key("llm.method")

	AttrTokensInput  = attribute.Key("llm.tokens.input")
	AttrTokensOutput = attribute.Key("llm.tokens.output")
	AttrCostCents    = attribute.Key("llm.cost_cents")

	AttrToolCount = attribute.Key("llm.tool_count")

	AttrToolName   = attribute.Key("tool.name")
	AttrToolStatus = attribute.Key("tool.status")
	AttrToolTurn   = attribute.Key("tool.turn")

	AttrRunCorrelationID = attribute.Key("run.correlation_id")
	AttrRunStatus        = attribute.Key("run.status")
	AttrRunTurns         = attribute.Key("run.turns")
)
