package routing

import "github.com/haasonsaas/switchboard/pkg/models"

// Tool names exposed by the built-in controllers.
var (
	CADTools = []string{"connect", "create_part", "cad_status", "cad_screenshot"}

	ChartTools = []string{"chart_state", "chart_set_symbol", "chart_set_timeframe", "chart_add_indicator", "chart_snapshot"}
)

// DefaultProfiles returns the built-in cad, trading and general profiles.
func DefaultProfiles() []models.AgentProfile {
	return []models.AgentProfile{
		{
			ID: models.ProfileCAD,
			SystemPrompt: "You are a CAD assistant connected to a desktop CAD application. " +
				"Connect before modelling, create parts with the provided tools, " +
				"and describe what you built in one or two sentences.",
			AllowedTools:     append([]string(nil), CADTools...),
			NeedsLiveContext: true,
		},
		{
			ID: models.ProfileTrading,
			SystemPrompt: "You are a trading-chart assistant. Use the chart tools to change the " +
				"symbol, timeframe and indicators. Never give financial advice.",
			AllowedTools:     append([]string(nil), ChartTools...),
			NeedsLiveContext: true,
		},
		{
			ID:           models.ProfileGeneral,
			SystemPrompt: "You are a helpful assistant. Answer concisely.",
		},
	}
}

// DefaultRules returns the built-in routing rules, most specific first.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:    "cad",
			Profile: models.ProfileCAD,
			Match: Match{
				Keywords: []string{"flange", "extrude", "sketch", "fillet", "chamfer", "bracket", "3d model", "create a part", "build a part"},
				Pattern:  `\bcad\b|\b(build|create|design|model)\b.*\b(part|bolt|gear|plate|cylinder|box|housing)s?\b`,
			},
		},
		{
			Name:    "trading",
			Profile: models.ProfileTrading,
			Match: Match{
				Keywords: []string{"chart", "ticker", "candlestick", "timeframe", "indicator", "moving average", "rsi", "macd", "bollinger"},
				Pattern:  `\$[a-z]{1,5}\b|\b(stock|price|symbol)s?\b`,
			},
		},
	}
}

// DefaultConfig returns the built-in router configuration.
func DefaultConfig() Config {
	return Config{
		Default:  models.ProfileGeneral,
		Profiles: DefaultProfiles(),
		Rules:    DefaultRules(),
	}
}
