package scripts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Examples returns the seed scripts written on first-run initialisation.
// All ship disabled so an operator opts in explicitly.
func Examples() []*InjectionScript {
	return []*InjectionScript{
		{
			Name:          "custom-headers",
			Description:   "Inject custom headers for debugging",
			Version:       "1.0.0",
			Author:        "Seidr",
			TargetDomains: []string{"*.example.com"},
			InjectType:    InjectHeader,
			Headers: map[string]string{
				"X-Debug": "true",
				"X-Proxy": "seidr",
			},
			Enabled: false,
		},
		{
			Name:          "debug-console",
			Description:   "Inject a debug console into proxied pages",
			Version:       "1.0.0",
			Author:        "Seidr",
			TargetDomains: []string{"*"},
			InjectType:    InjectJavaScript,
			ScriptContent: "console.log('Seidr debug console loaded');",
			Enabled:       false,
		},
		{
			Name:          "cors-bypass",
			Description:   "Add permissive CORS headers to responses",
			Version:       "1.0.0",
			Author:        "Seidr",
			TargetDomains: []string{"*"},
			InjectType:    InjectResponseHeader,
			Headers: map[string]string{
				"Access-Control-Allow-Origin":  "*",
				"Access-Control-Allow-Methods": "GET, POST, PUT, DELETE, OPTIONS",
				"Access-Control-Allow-Headers": "Content-Type, Authorization",
			},
			Enabled: false,
		},
	}
}

// WriteExamples writes the seed scripts into dir as JSON files, skipping any
// that already exist. It returns the names of the files it created.
func WriteExamples(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scripts directory: %w", err)
	}
	var created []string
	for _, script := range Examples() {
		name := script.Name + ".json"
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		data, err := json.MarshalIndent(script, "", "  ")
		if err != nil {
			return created, fmt.Errorf("encode example %s: %w", script.Name, err)
		}
		if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
			return created, fmt.Errorf("write example %s: %w", script.Name, err)
		}
		created = append(created, name)
	}
	return created, nil
}
