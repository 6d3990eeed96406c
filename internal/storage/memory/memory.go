// Package memory provides in-process implementations of the property store
// and mailbox contracts, used by tests and the memory storage driver.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"mailtriage/internal/apperr"
	"mailtriage/internal/domain"
)

// Properties is a PropertyStore backed by a map.
type Properties struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewProperties() *Properties {
	return &Properties{data: make(map[string]string)}
}

func (p *Properties) Get(_ context.Context, key string) (string, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.data[key]
	return v, ok, nil
}

func (p *Properties) Set(_ context.Context, key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data[key] = value
	return nil
}

func (p *Properties) Delete(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.data, key)
	return nil
}

func (p *Properties) List(_ context.Context, prefix string) (map[string]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]string)
	for k, v := range p.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}

// Mailbox is a WorkSource and LabelApplier over a fixed list of messages.
// Every mutation is recorded so tests can inspect exactly what happened.
type Mailbox struct {
	mu      sync.Mutex
	items   []domain.WorkItem
	markers map[string][]domain.Marker
	labels  map[string][]string
	drafts  map[string][]string

	// MaxDrafts caps CreateDraftOrReply; zero means unlimited.
	MaxDrafts int
	failLabel map[string]error
}

func NewMailbox(items ...domain.WorkItem) *Mailbox {
	return &Mailbox{
		items:     append([]domain.WorkItem(nil), items...),
		markers:   make(map[string][]domain.Marker),
		labels:    make(map[string][]string),
		drafts:    make(map[string][]string),
		failLabel: make(map[string]error),
	}
}

// Add appends messages at the end of the stable order.
func (m *Mailbox) Add(items ...domain.WorkItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, items...)
}

// FailOutcomeLabel makes ApplyOutcomeLabel return err for itemID.
func (m *Mailbox) FailOutcomeLabel(itemID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failLabel[itemID] = err
}

func (m *Mailbox) ListCandidates(_ context.Context, q domain.Query, limit int) ([]domain.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	needle := strings.ToLower(strings.TrimSpace(q.Text))
	var out []domain.WorkItem
	for _, item := range m.items {
		if !q.IncludeTerminal && len(m.markers[item.ID]) > 0 {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(item.Subject+"\n"+item.Body), needle) {
			continue
		}
		out = append(out, item)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Mailbox) ApplyTerminalMarker(_ context.Context, itemID string, marker domain.Marker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markers[itemID] = append(m.markers[itemID], marker)
	return nil
}

func (m *Mailbox) ApplyOutcomeLabel(_ context.Context, itemID, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failLabel[itemID]; err != nil {
		return err
	}
	m.labels[itemID] = append(m.labels[itemID], label)
	return nil
}

func (m *Mailbox) CreateDraftOrReply(_ context.Context, itemID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.MaxDrafts > 0 && m.draftCount() >= m.MaxDrafts {
		return fmt.Errorf("draft for %s: %w", itemID, apperr.ErrQuotaExceeded)
	}
	m.drafts[itemID] = append(m.drafts[itemID], text)
	return nil
}

func (m *Mailbox) draftCount() int {
	n := 0
	for _, d := range m.drafts {
		n += len(d)
	}
	return n
}

// Markers returns every marker applied to itemID, in order.
func (m *Mailbox) Markers(itemID string) []domain.Marker {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Marker(nil), m.markers[itemID]...)
}

func (m *Mailbox) Labels(itemID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.labels[itemID]...)
}

func (m *Mailbox) Drafts(itemID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.drafts[itemID]...)
}

// MarkedCount is the number of distinct items carrying any marker.
func (m *Mailbox) MarkedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ms := range m.markers {
		if len(ms) > 0 {
			n++
		}
	}
	return n
}
