package engine

import "slices"

const DefaultServiceType = "siliconflow_free"

var ServiceTypes = []string{
	"siliconflow_free",
	"openai",
	"azure_openai",
	"gemini",
	"deepl",
	"ollama",
	"azure",
	"deepseek",
}

func ValidServiceType(s string) bool {
	return slices.Contains(ServiceTypes, s)
}

func Defaults() map[string]any {
	return map[string]any{
		"service_type":       DefaultServiceType,
		"openai_model":       "gpt-4o-mini",
		"gemini_model":       "gemini-pro",
		"output_mode":        "dual",
		"watermark_enabled":  false,
		"alternate_pages":    false,
		"rate_limit":         10,
		"enable_terminology": false,
		"babeldoc_threads":   4,
	}
}

// Effective overlays the stored values on top of the defaults. Null values
// fall back to the default.
func Effective(stored map[string]any) map[string]any {
	out := Defaults()
	for k, v := range stored {
		if v == nil {
			continue
		}
		out[k] = v
	}
	if s, _ := out["service_type"].(string); !ValidServiceType(s) {
		out["service_type"] = DefaultServiceType
	}
	return out
}
