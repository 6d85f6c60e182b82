package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// SalesContext is the free-form persona block from sales_context.yaml.
// It is rendered into every prompt, so its shape is whatever the operator
// wants the model to know about the business.
type SalesContext map[string]interface{}

// LoadSalesContext reads sales_context.yaml. A missing file yields an
// empty context, not an error.
func LoadSalesContext(path string) (SalesContext, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return SalesContext{}, nil
		}
		return nil, err
	}

	ctx := SalesContext{}
	if err := yaml.Unmarshal(data, &ctx); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return ctx, nil
}

// Format flattens the context into a readable text block for prompts.
// Nested maps become "## Key" sections, lists become comma-joined values.
func (sc SalesContext) Format() string {
	keys := make([]string, 0, len(sc))
	for k := range sc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var lines []string
	for _, key := range keys {
		switch value := sc[key].(type) {
		case map[string]interface{}:
			lines = append(lines, fmt.Sprintf("\n## %s", titleize(key)))
			subKeys := make([]string, 0, len(value))
			for sk := range value {
				subKeys = append(subKeys, sk)
			}
			sort.Strings(subKeys)
			for _, sk := range subKeys {
				lines = append(lines, fmt.Sprintf("  %s: %s", sk, flatten(value[sk])))
			}
		case []interface{}:
			lines = append(lines, fmt.Sprintf("%s: %s", key, flatten(value)))
		default:
			lines = append(lines, fmt.Sprintf("%s: %v", key, value))
		}
	}
	return strings.Join(lines, "\n")
}

func flatten(v interface{}) string {
	if list, ok := v.([]interface{}); ok {
		parts := make([]string, len(list))
		for i, item := range list {
			parts[i] = fmt.Sprintf("%v", item)
		}
		return strings.Join(parts, ", ")
	}
	return fmt.Sprintf("%v", v)
}

func titleize(key string) string {
	words := strings.Split(strings.ReplaceAll(key, "_", " "), " ")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
