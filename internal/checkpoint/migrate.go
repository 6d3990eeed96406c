package checkpoint

import (
	"encoding/json"
	"fmt"
	"time"

	"mailtriage/internal/domain"
)

// legacyState is the unversioned record written before the version field
// existed: camelCase keys and a millisecond start time.
type legacyState struct {
	IsActive        bool   `json:"isActive"`
	ProcessedCount  int    `json:"processedCount"`
	TotalEstimated  int    `json:"totalEstimated"`
	StartTime       int64  `json:"startTime"`
	LastProcessedID string `json:"lastProcessedId"`
	TriggerID       string `json:"triggerId"`
	Settings        struct {
		APIKey       string   `json:"apiKey"`
		Mode         string   `json:"mode"`
		Prompt       string   `json:"prompt"`
		Labels       []string `json:"labels"`
		DefaultLabel string   `json:"defaultLabel"`
	} `json:"settings"`
}

// decode parses a stored record, upgrading older versions.
func decode(id, raw string) (*State, error) {
	var probe struct {
		Version *int `json:"version"`
	}
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalid, err)
	}

	var st *State
	switch {
	case probe.Version == nil || *probe.Version == 0:
		migrated, err := migrateV0(id, raw)
		if err != nil {
			return nil, err
		}
		st = migrated
	case *probe.Version == CurrentVersion:
		st = &State{}
		if err := json.Unmarshal([]byte(raw), st); err != nil {
			return nil, fmt.Errorf("%w: %v", errInvalid, err)
		}
		if st.ID == "" {
			st.ID = id
		}
		if st.ID != id {
			return nil, fmt.Errorf("%w: id %q stored under %q", errInvalid, st.ID, id)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported version %d", errInvalid, *probe.Version)
	}

	if err := st.validate(); err != nil {
		return nil, err
	}
	return st, nil
}

func migrateV0(id, raw string) (*State, error) {
	var old legacyState
	if err := json.Unmarshal([]byte(raw), &old); err != nil {
		return nil, fmt.Errorf("%w: legacy record: %v", errInvalid, err)
	}
	if old.StartTime <= 0 {
		return nil, fmt.Errorf("%w: legacy record without start time", errInvalid)
	}
	mode := domain.Mode(old.Settings.Mode)
	if mode == "" {
		mode = domain.ModeLabel
	}
	start := time.UnixMilli(old.StartTime).UTC()
	return &State{
		Version:         CurrentVersion,
		ID:              id,
		IsActive:        old.IsActive,
		ProcessedCount:  old.ProcessedCount,
		TotalEstimated:  old.TotalEstimated,
		StartTime:       start,
		LastProcessedID: old.LastProcessedID,
		TriggerID:       old.TriggerID,
		Settings: domain.Settings{
			APIKey:       old.Settings.APIKey,
			Mode:         mode,
			SystemPrompt: old.Settings.Prompt,
			Labels:       old.Settings.Labels,
			DefaultLabel: old.Settings.DefaultLabel,
		},
		UpdatedAt: start,
	}, nil
}
