package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lamb-project/completion-gateway/internal/providers"
)

// cityCoordinates mirrors the proof-of-concept city table from the
// original weather tool: a small fixed set, with Paris as the fallback
// for unrecognized cities.
var cityCoordinates = map[string]struct {
	lat, lon float64
	label    string
}{
	"paris":     {48.8566, 2.3522, "Paris, France"},
	"london":    {51.5074, -0.1278, "London, UK"},
	"new york":  {40.7128, -74.0060, "New York, USA"},
	"tokyo":     {35.6762, 139.6503, "Tokyo, Japan"},
	"sydney":    {-33.8688, 151.2093, "Sydney, Australia"},
	"berlin":    {52.5200, 13.4050, "Berlin, Germany"},
	"madrid":    {40.4168, -3.7038, "Madrid, Spain"},
	"rome":      {41.9028, 12.4964, "Rome, Italy"},
	"amsterdam": {52.3676, 4.9041, "Amsterdam, Netherlands"},
	"singapore": {1.3521, 103.8198, "Singapore"},
}

// WeatherSpec is the JSON-schema tool spec for get_weather.
var WeatherSpec = providers.ToolSpec{
	Name:        "get_weather",
	Description: "Get the current temperature for a specified city. Returns temperature in Celsius.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"city": map[string]any{
				"type":        "string",
				"description": "The name of the city to get weather for (e.g., 'Paris', 'London', 'New York')",
			},
		},
		"required": []string{"city"},
	},
}

type weatherArgs struct {
	City string `json:"city"`
}

type openMeteoResponse struct {
	Current struct {
		Temperature float64 `json:"temperature_2m"`
		WeatherCode int     `json:"weather_code"`
	} `json:"current"`
}

// NewWeatherTool builds the weather Tool against Open-Meteo, a free API
// that needs no key — a proof-of-concept reference tool demonstrating
// the tool-calling contract.
func NewWeatherTool() Tool {
	client := &http.Client{Timeout: 10 * time.Second}
	return Tool{
		Spec: WeatherSpec,
		Handler: func(ctx context.Context, rawArgs string) (string, error) {
			var args weatherArgs
			if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
				return "", fmt.Errorf("weather: invalid arguments: %w", err)
			}

			key := strings.ToLower(strings.TrimSpace(args.City))
			coords, ok := cityCoordinates[key]
			if !ok {
				coords = cityCoordinates["paris"]
			}

			url := fmt.Sprintf(
				"https://api.open-meteo.com/v1/forecast?latitude=%f&longitude=%f&current=temperature_2m,weather_code&timezone=auto",
				coords.lat, coords.lon,
			)
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return "", err
			}
			resp, err := client.Do(req)
			if err != nil {
				return "", fmt.Errorf("weather: request failed: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return "", fmt.Errorf("weather: status %d", resp.StatusCode)
			}

			var om openMeteoResponse
			if err := json.NewDecoder(resp.Body).Decode(&om); err != nil {
				return "", fmt.Errorf("weather: decode: %w", err)
			}

			out, _ := json.Marshal(map[string]any{
				"city":               coords.label,
				"temperature_celsius": om.Current.Temperature,
				"weather_code":       om.Current.WeatherCode,
			})
			return string(out), nil
		},
	}
}
