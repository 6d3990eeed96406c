package llm

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"mailtriage/internal/domain"
)

const glossaryConfidence = 0.99

// Glossary holds phrase rules that pin a label regardless of what the
// classifier said.
type Glossary struct {
	Rules []GlossaryRule `yaml:"rules"`
}

type GlossaryRule struct {
	Phrase string `yaml:"phrase"`
	Label  string `yaml:"label"`
}

func LoadGlossary(path string) (*Glossary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read glossary: %w", err)
	}
	var g Glossary
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse glossary yaml: %w", err)
	}
	return &g, nil
}

// LoadGlossaryIfConfigured returns nil when path is empty.
func LoadGlossaryIfConfigured(path string) (*Glossary, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	return LoadGlossary(path)
}

func normalizeTextToken(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// AppendGlossaryRule adds phrase → label unless the phrase is already known.
func AppendGlossaryRule(path, phrase, label string) error {
	phrase = strings.TrimSpace(phrase)
	label = strings.TrimSpace(label)
	if phrase == "" || label == "" {
		return nil
	}

	var glossary Glossary
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &glossary); err != nil {
			return fmt.Errorf("parse existing glossary: %w", err)
		}
	}

	normalized := normalizeTextToken(phrase)
	for _, r := range glossary.Rules {
		if normalizeTextToken(r.Phrase) == normalized {
			return nil
		}
	}

	glossary.Rules = append(glossary.Rules, GlossaryRule{Phrase: phrase, Label: label})
	return saveGlossary(path, &glossary)
}

func saveGlossary(path string, glossary *Glossary) error {
	data, err := yaml.Marshal(glossary)
	if err != nil {
		return fmt.Errorf("marshal glossary: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

type glossaryMatch struct {
	phrase string
	label  string
}

// resolve keeps the rules whose label is one of the allowed labels, mapped
// to the label's canonical spelling. Rule order is preserved.
func (g *Glossary) resolve(allowed []string) []glossaryMatch {
	if g == nil {
		return nil
	}
	byName := make(map[string]string, len(allowed))
	for _, l := range allowed {
		byName[normalizeTextToken(l)] = l
	}
	var out []glossaryMatch
	for _, r := range g.Rules {
		phrase := normalizeTextToken(r.Phrase)
		label, ok := byName[normalizeTextToken(r.Label)]
		if phrase == "" || !ok {
			continue
		}
		out = append(out, glossaryMatch{phrase: phrase, label: label})
	}
	return out
}

// applyGlossaryOverrides rewrites Ok results whose item text contains a
// glossary phrase. Err results are left alone.
func applyGlossaryOverrides(items []domain.WorkItem, results []domain.ClassificationResult, matches []glossaryMatch) int {
	if len(matches) == 0 {
		return 0
	}
	byID := make(map[string]domain.WorkItem, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}
	overridden := 0
	for i, r := range results {
		ok, isOk := r.Outcome.(domain.Ok)
		if !isOk {
			continue
		}
		item := byID[r.ID]
		text := normalizeTextToken(item.Subject + "\n" + item.Body)
		for _, m := range matches {
			if strings.Contains(text, m.phrase) {
				ok.Label = m.label
				if ok.Confidence < glossaryConfidence {
					ok.Confidence = glossaryConfidence
				}
				results[i].Outcome = ok
				overridden++
				break
			}
		}
	}
	return overridden
}
