// internal/browser/shim/shim.go
package shim

import (
	_ "embed"
	"fmt"
	"strings"

	json "github.com/json-iterator/go"
)

const (
	// ConfigPlaceholder is the string replaced in a JS template with the JSON configuration.
	ConfigPlaceholder = "/*{{CASEFILL_CONFIG}}*/"
)

//go:embed helpers.js
var helpersTemplate string

//go:embed overlay.js
var overlayTemplate string

// Config is handed to both page scripts.
type Config struct {
	IndexAttr string `json:"indexAttr"`
	RefAttr   string `json:"refAttr"`
	HostAttr  string `json:"hostAttr"`
	Binding   string `json:"binding"`
}

// Build injects the configuration into the template.
func Build(template, configJSON string) (string, error) {
	if template == "" {
		return "", fmt.Errorf("template is empty")
	}

	if !strings.Contains(template, ConfigPlaceholder) {
		return "", fmt.Errorf("template does not contain the required placeholder: %s", ConfigPlaceholder)
	}

	if strings.TrimSpace(configJSON) == "" {
		configJSON = "{}"
	}

	return strings.Replace(template, ConfigPlaceholder, configJSON, 1), nil
}

// Scripts returns the helper and overlay scripts built for cfg, in install order.
func Scripts(cfg Config) ([]string, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode shim config: %w", err)
	}
	templates := []struct{ name, body string }{
		{"helpers.js", helpersTemplate},
		{"overlay.js", overlayTemplate},
	}
	out := make([]string, 0, len(templates))
	for _, tmpl := range templates {
		script, err := Build(tmpl.body, string(raw))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", tmpl.name, err)
		}
		out = append(out, script)
	}
	return out, nil
}
