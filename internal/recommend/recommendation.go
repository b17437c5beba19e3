package recommend

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const OutputSchema = "recommendation/v1"

// ErrInvalidRecommendation wraps every validation failure of a service response
var ErrInvalidRecommendation = errors.New("invalid recommendation")

var priorities = map[string]bool{"high": true, "medium": true, "low": true}

// Item is one actionable recommendation
type Item struct {
	Priority string `json:"priority"`
	Category string `json:"category"`
	Title    string `json:"title"`
	Detail   string `json:"detail"`
}

// Recommendation is the recommendation/v1 response document
type Recommendation struct {
	Schema  string `json:"schema"`
	Summary string `json:"summary"`
	Items   []Item `json:"items"`
}

// Parse decodes and validates a service response
func Parse(body []byte) (*Recommendation, error) {
	var rec Recommendation
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecommendation, err)
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Validate checks the document against recommendation/v1
func (r *Recommendation) Validate() error {
	if r.Schema != OutputSchema {
		return fmt.Errorf("%w: unsupported schema %q", ErrInvalidRecommendation, r.Schema)
	}
	if strings.TrimSpace(r.Summary) == "" {
		return fmt.Errorf("%w: summary is empty", ErrInvalidRecommendation)
	}
	for i, item := range r.Items {
		if !priorities[item.Priority] {
			return fmt.Errorf("%w: item %d has priority %q", ErrInvalidRecommendation, i, item.Priority)
		}
		if strings.TrimSpace(item.Category) == "" {
			return fmt.Errorf("%w: item %d has no category", ErrInvalidRecommendation, i)
		}
		if strings.TrimSpace(item.Title) == "" {
			return fmt.Errorf("%w: item %d has no title", ErrInvalidRecommendation, i)
		}
	}
	return nil
}
