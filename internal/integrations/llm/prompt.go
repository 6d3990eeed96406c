package llm

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"mailtriage/internal/domain"
	"mailtriage/internal/guard"
	"mailtriage/internal/schema"
)

const (
	itemStart = "\x1e"
	itemEnd   = "\x1f"

	defaultMaxBodyChars = 2000
	missingReasoning    = "missing from response"
)

// Prompt is what the classifier is asked to do with every batch of a run.
type Prompt struct {
	Instructions string
	Labels       []string
	DefaultLabel string
	Mode         domain.Mode
}

// PromptFromSettings derives the prompt from a run's settings snapshot.
func PromptFromSettings(s domain.Settings) Prompt {
	return Prompt{
		Instructions: s.SystemPrompt,
		Labels:       s.Labels,
		DefaultLabel: s.DefaultLabel,
		Mode:         s.Mode,
	}
}

// allowedLabels is Labels plus DefaultLabel, deduplicated, in order.
func (p Prompt) allowedLabels() []string {
	seen := make(map[string]bool, len(p.Labels)+1)
	var out []string
	for _, l := range append(append([]string(nil), p.Labels...), p.DefaultLabel) {
		l = strings.TrimSpace(l)
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}

func renderItems(items []domain.WorkItem, maxBodyChars int) string {
	if maxBodyChars <= 0 {
		maxBodyChars = defaultMaxBodyChars
	}
	var b strings.Builder
	for _, item := range items {
		b.WriteString(itemStart)
		b.WriteString("\nid: ")
		b.WriteString(stripDelimiters(item.ID))
		b.WriteString("\nsubject: ")
		b.WriteString(stripDelimiters(oneLine(item.Subject)))
		b.WriteString("\nbody: ")
		b.WriteString(stripDelimiters(truncate(item.Body, maxBodyChars)))
		b.WriteString("\n")
		b.WriteString(itemEnd)
		b.WriteString("\n")
	}
	return b.String()
}

func buildInstructions(p Prompt) string {
	var b strings.Builder
	if s := strings.TrimSpace(p.Instructions); s != "" {
		b.WriteString(s)
		b.WriteString("\n\n")
	}
	b.WriteString("Each message is enclosed between the control characters U+001E and U+001F and starts with id, subject and body lines.\n")
	fmt.Fprintf(&b, "Allowed labels: %s\n", strings.Join(p.allowedLabels(), ", "))
	fmt.Fprintf(&b, "Use %q when no other label fits.\n", p.DefaultLabel)
	b.WriteString("Return one JSON object: {\"results\":[{\"id\":\"<message id>\",\"label\":\"<label>\",\"confidence\":<0..1>,\"reasoning\":\"<one sentence>\"")
	if p.Mode == domain.ModeDraft {
		b.WriteString(",\"reply\":\"<short reply to send, empty if none is needed>\"")
	}
	b.WriteString("}]}\n")
	b.WriteString("Return exactly one result per message, reusing the message id verbatim. Tokens like {{token1}} stand for hidden values; keep them unchanged.")
	return b.String()
}

func buildRequest(p Prompt, items []domain.WorkItem, maxBodyChars, maxTokens int) Request {
	summary := fmt.Sprintf("mode: %s\nmessages: %d", orDefault(string(p.Mode), string(domain.ModeLabel)), len(items))
	return Request{
		System:    guard.ImmutableDirective,
		Prompt:    guard.BuildSecurePrompt(buildInstructions(p), renderItems(items, maxBodyChars), summary),
		MaxTokens: maxTokens,
	}
}

func envelopeSchema() *schema.Schema {
	return &schema.Schema{
		Type:                 schema.Object,
		Required:             []string{"results"},
		AdditionalProperties: true,
		Properties: map[string]*schema.Schema{
			"results": {Type: schema.Array, Items: &schema.Schema{Type: schema.Object, AdditionalProperties: true}},
		},
	}
}

func itemSchema(p Prompt) *schema.Schema {
	labels := p.allowedLabels()
	return &schema.Schema{
		Type:                 schema.Object,
		Required:             []string{"id", "label"},
		AdditionalProperties: true,
		Properties: map[string]*schema.Schema{
			"id":         {Type: schema.String, MinLength: schema.Int(1)},
			"label":      {Type: schema.String, Enum: schema.Strings(labels...)},
			"confidence": {Type: schema.Number, Minimum: schema.Float(0), Maximum: schema.Float(1)},
			"reasoning":  {Type: schema.String, MaxLength: schema.Int(2000)},
			"reply":      {Type: schema.String, MaxLength: schema.Int(10000)},
		},
	}
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "..."
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func stripDelimiters(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= 0x1c && r <= 0x1f {
			return ' '
		}
		return r
	}, s)
}
