// Package redact swaps sensitive substrings for opaque tokens before content
// leaves the process and swaps them back afterwards.
//
// Coverage is deliberately limited to obvious patterns. It reduces exposure;
// it is not a privacy or compliance control.
package redact

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"mailtriage/internal/domain"
)

// LimitationCode tags the warning logged once per Redactor.
const LimitationCode = "REDACTION_BEST_EFFORT"

const cachePrefix = "redact:"

// DefaultTTL bounds how long a mapping stays restorable.
const DefaultTTL = 30 * time.Minute

// Mapping maps a token such as {{token3}} to the substring it replaced.
type Mapping map[string]string

type Result struct {
	Text    string
	Mapping Mapping
	Count   int
}

type matcher struct {
	name string
	re   *regexp.Regexp
	// group selects the submatch to replace; 0 replaces the whole match.
	group int
}

// Order matters: URL credentials run before email so userinfo is not
// mistaken for an address, and card runs before phone numbers.
var matchers = []matcher{
	{name: "url-credentials", re: regexp.MustCompile(`\b[a-zA-Z][a-zA-Z0-9+.-]*://([^\s:/@]+:[^\s/@]+)@`), group: 1},
	{name: "email", re: regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)},
	{name: "card", re: regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`)},
	{name: "phone", re: regexp.MustCompile(`(?:\+\d{1,3}[\s.-]?)?\(?\b\d{3}\)?[\s.-]\d{3}[\s.-]\d{4}\b`)},
	{name: "order-account", re: regexp.MustCompile(`\b(?i:order|account|acct|invoice|ref(?:erence)?)(?:\s+(?i:no\.?|number))?\s*[:#]?\s*(\d[0-9A-Z-]{3,})\b`), group: 1},
	{name: "ipv4", re: regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`)},
	{name: "id", re: regexp.MustCompile(`\b(?:\d{3}-\d{2}-\d{4}|[A-Z]{2,3}\d{6,10})\b`)},
}

var tokenPattern = regexp.MustCompile(`\{\{token\d+\}\}`)

// Redactor holds the volatile cache mappings are parked in between Redact
// and Restore.
type Redactor struct {
	cache  domain.Cache
	ttl    time.Duration
	logger *zap.Logger
}

func New(cache domain.Cache, ttl time.Duration, logger *zap.Logger) *Redactor {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Warn("redaction covers common patterns only and does not guarantee removal of personal data",
		zap.String("code", LimitationCode))
	return &Redactor{cache: cache, ttl: ttl, logger: logger}
}

// Redact replaces every match with a fresh token and caches the mapping
// under itemID when anything was replaced.
func (r *Redactor) Redact(text, itemID string) Result {
	res := Redact(text)
	r.store(itemID, res.Mapping)
	return res
}

// RedactItem redacts subject and body with one shared mapping, so a token
// stands for the same value in both.
func (r *Redactor) RedactItem(item domain.WorkItem) (domain.WorkItem, int) {
	out, mapping := redactTexts([]string{item.Subject, item.Body})
	r.store(item.ID, mapping)
	item.Subject, item.Body = out[0], out[1]
	return item, len(mapping)
}

func (r *Redactor) store(itemID string, m Mapping) {
	if len(m) == 0 || r.cache == nil {
		return
	}
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	r.cache.Put(cachePrefix+itemID, string(data), r.ttl)
	r.logger.Debug("redact stored mapping", zap.String("item", itemID), zap.Int("tokens", len(m)))
}

// Restore substitutes tokens back using the cached mapping for itemID. A
// missing or expired mapping returns text unchanged.
func (r *Redactor) Restore(text, itemID string) string {
	if r.cache == nil {
		return text
	}
	raw, ok := r.cache.Get(cachePrefix + itemID)
	if !ok {
		return text
	}
	var m Mapping
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		r.logger.Warn("redact mapping unreadable", zap.String("item", itemID), zap.Error(err))
		return text
	}
	return m.Restore(text)
}

// Forget drops the cached mapping for itemID.
func (r *Redactor) Forget(itemID string) {
	if r.cache != nil {
		r.cache.Remove(cachePrefix + itemID)
	}
}

// Redact is the pure form of Redactor.Redact.
func Redact(text string) Result {
	out, mapping := redactTexts([]string{text})
	return Result{Text: out[0], Mapping: mapping, Count: len(mapping)}
}

func redactTexts(texts []string) ([]string, Mapping) {
	mapping := Mapping{}
	seen := map[string]string{}
	next := 1
	current := append([]string(nil), texts...)

	used := func(tok string) bool {
		for i := range texts {
			if strings.Contains(texts[i], tok) || strings.Contains(current[i], tok) {
				return true
			}
		}
		return false
	}
	newToken := func() string {
		for {
			tok := fmt.Sprintf("{{token%d}}", next)
			next++
			if !used(tok) {
				return tok
			}
		}
	}

	for _, m := range matchers {
		for i, text := range current {
			idx := m.re.FindAllStringSubmatchIndex(text, -1)
			if len(idx) == 0 {
				continue
			}
			var b strings.Builder
			last := 0
			for _, loc := range idx {
				start, end := loc[2*m.group], loc[2*m.group+1]
				if start < 0 || start < last {
					continue
				}
				original := text[start:end]
				tok, ok := seen[original]
				if !ok {
					tok = newToken()
					seen[original] = tok
					mapping[tok] = original
				}
				b.WriteString(text[last:start])
				b.WriteString(tok)
				last = end
			}
			b.WriteString(text[last:])
			current[i] = b.String()
		}
	}
	return current, mapping
}

// Restore replaces known tokens. Tokens that appeared in the original text
// are never keys, so they pass through untouched.
func (m Mapping) Restore(text string) string {
	if len(m) == 0 {
		return text
	}
	out := text
	// An original may itself contain an earlier token; bounded by len(m).
	for pass := 0; pass <= len(m); pass++ {
		changed := false
		out = tokenPattern.ReplaceAllStringFunc(out, func(tok string) string {
			if orig, ok := m[tok]; ok {
				changed = true
				return orig
			}
			return tok
		})
		if !changed {
			break
		}
	}
	return out
}
