package plugins

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tymektm/asystent-server/pkg/models"
)

// WeatherDescriptor describes the built-in weather plugin used in the
// S2 plugin-dispatch scenario: a free-tier, single-function plugin that
// requires a location argument.
func WeatherDescriptor() models.PluginDescriptor {
	return models.PluginDescriptor{
		Name:        "weather",
		Version:     "1.0.0",
		Description: "Looks up current weather conditions for a named location.",
		FunctionSchemas: []models.FunctionSchema{
			{
				Name:        "get_weather",
				Description: "Get the current weather for a location.",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {
						"location": {"type": "string", "minLength": 1}
					},
					"required": ["location"],
					"additionalProperties": false
				}`),
			},
		},
		TierRequired: models.TierFree,
	}
}

type weatherArgs struct {
	Location string `json:"location"`
}

// WeatherLookup resolves a location to a condition summary. Swappable for
// tests; the default implementation is a deterministic stub since the
// server has no outbound weather API wired in.
type WeatherLookup func(ctx context.Context, location string) (string, error)

// NewWeatherHandler builds the get_weather Handler, calling lookup to
// resolve conditions. Pass DefaultWeatherLookup in production.
func NewWeatherHandler(lookup WeatherLookup) Handler {
	return func(ctx context.Context, userID, sessionID string, args json.RawMessage) (models.ToolResult, error) {
		var a weatherArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return models.ToolResult{}, fmt.Errorf("decode weather args: %w", err)
		}
		summary, err := lookup(ctx, a.Location)
		if err != nil {
			return models.ToolResult{}, err
		}
		return models.ToolResult{
			OK:      true,
			Content: summary,
			Artifacts: map[string]any{
				"location": a.Location,
			},
		}, nil
	}
}

// DefaultWeatherLookup is a deterministic placeholder: this server has no
// outbound weather API configured, so it reports conditions as unknown
// rather than fabricating data.
func DefaultWeatherLookup(ctx context.Context, location string) (string, error) {
	if location == "" {
		return "", fmt.Errorf("location is required")
	}
	return fmt.Sprintf("weather data for %s is not available: no provider configured", location), nil
}
