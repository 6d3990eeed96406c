package domain

import "time"

// WorkItem is one message or thread waiting to be triaged.
type WorkItem struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id,omitempty"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
}

// Empty reports whether the item has nothing worth sending to the classifier.
func (w WorkItem) Empty() bool {
	return isBlank(w.Subject) && isBlank(w.Body)
}

func isBlank(s string) bool {
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r':
		default:
			return false
		}
	}
	return true
}

// Batch is an ordered slice of work items sent to the classifier in one call.
type Batch struct {
	ID    string
	Items []WorkItem
}

// IDs returns the item ids in batch order.
func (b Batch) IDs() []string {
	ids := make([]string, len(b.Items))
	for i, item := range b.Items {
		ids[i] = item.ID
	}
	return ids
}

// Outcome is either Ok or Err.
type Outcome interface {
	isOutcome()
}

type Ok struct {
	Label      string
	Confidence float64
	Reasoning  string
	// Reply is only populated in draft mode.
	Reply string
}

type Err struct {
	Message string
}

func (Ok) isOutcome()  {}
func (Err) isOutcome() {}

// ClassificationResult pairs an item id with its outcome.
type ClassificationResult struct {
	ID      string
	Outcome Outcome
}

func OkResult(id, label string, confidence float64, reasoning string) ClassificationResult {
	return ClassificationResult{ID: id, Outcome: Ok{Label: label, Confidence: confidence, Reasoning: reasoning}}
}

func ErrResult(id, message string) ClassificationResult {
	return ClassificationResult{ID: id, Outcome: Err{Message: message}}
}

// Succeeded reports whether the result carries an Ok outcome.
func (r ClassificationResult) Succeeded() bool {
	_, ok := r.Outcome.(Ok)
	return ok
}

// Marker is the terminal tag every processed item receives exactly once.
type Marker string

const (
	MarkerOK    Marker = "processed-ok"
	MarkerError Marker = "processed-error"
)

// Mode selects what happens to a classified item.
type Mode string

const (
	ModeLabel Mode = "label"
	ModeDraft Mode = "draft"
)

// Settings is the classifier configuration a run was started with. It is
// snapshotted into the checkpoint so resumed invocations behave identically.
type Settings struct {
	Provider     string   `json:"provider"`
	Model        string   `json:"model"`
	APIKey       string   `json:"api_key"`
	Mode         Mode     `json:"mode"`
	SystemPrompt string   `json:"system_prompt"`
	Labels       []string `json:"labels"`
	DefaultLabel string   `json:"default_label"`
}

// Usage is token accounting reported by the classification service.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

func (u Usage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens
}

func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// RunSummary describes what one invocation of the pipeline did. Processed
// and Total cover the whole run; Succeeded and Failed only this invocation.
type RunSummary struct {
	Processed int
	Succeeded int
	Failed    int
	Total     int
	Suspended bool
	Cancelled bool
	Usage     Usage
	Started   time.Time
	Finished  time.Time
}
