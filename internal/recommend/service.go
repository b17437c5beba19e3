package recommend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"wearable-sync/internal/aggregation"
	"wearable-sync/internal/database"
	"wearable-sync/internal/metrics"
	"wearable-sync/internal/trainingload"
)

const maxResponseBytes = 1 << 20

// ErrDisabled is returned when no service URL is configured
var ErrDisabled = errors.New("recommendation service is not configured")

// Config locates the recommendation service
type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// Service requests recommendations and persists them verbatim
type Service struct {
	db         *database.DB
	engine     *aggregation.Engine
	load       *trainingload.Model
	httpClient *http.Client
	cfg        Config
	logger     *slog.Logger
}

// NewService creates a recommendation service client
func NewService(db *database.DB, engine *aggregation.Engine, load *trainingload.Model, cfg Config) *Service {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Service{
		db:         db,
		engine:     engine,
		load:       load,
		httpClient: &http.Client{Timeout: timeout},
		cfg:        cfg,
		logger:     slog.Default(),
	}
}

// Generate builds today's context for userID, asks the service for a
// recommendation and stores the validated response
func (s *Service) Generate(ctx context.Context, userID string) (*database.Recommendation, error) {
	if s.cfg.URL == "" {
		return nil, ErrDisabled
	}

	now := s.db.Now().UTC()
	doc, err := BuildContext(ctx, s.db, s.engine, s.load, userID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to build context: %w", err)
	}

	body, err := s.post(ctx, doc)
	if err != nil {
		metrics.RecommendationsTotal.WithLabelValues(metrics.ResultFailure).Inc()
		return nil, err
	}

	rec, err := Parse(body)
	if err != nil {
		metrics.RecommendationsTotal.WithLabelValues(metrics.ResultDropped).Inc()
		s.logger.Warn("Rejected recommendation", "user_id", userID, "error", err)
		return nil, err
	}

	id, err := s.db.InsertRecommendation(ctx, userID, doc.Date, rec.Schema, string(body))
	if err != nil {
		return nil, err
	}
	metrics.RecommendationsTotal.WithLabelValues(metrics.ResultSuccess).Inc()
	s.logger.Info("Stored recommendation", "user_id", userID, "id", id, "items", len(rec.Items))

	return &database.Recommendation{
		ID:            id,
		UserID:        userID,
		Date:          doc.Date,
		SchemaVersion: rec.Schema,
		PayloadJSON:   string(body),
		CreatedAt:     s.db.Now().Unix(),
	}, nil
}

// Latest returns the most recent stored recommendation, or nil
func (s *Service) Latest(ctx context.Context, userID string) (*database.Recommendation, error) {
	recs, err := s.db.ListRecommendations(ctx, userID, 1)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return &recs[0], nil
}

func (s *Service) post(ctx context.Context, doc *Context) ([]byte, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal context: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("recommendation request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read recommendation: %w", err)
	}
	s.logger.Debug("recommendation_request", "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("recommendation service returned status %d", resp.StatusCode)
	}
	return body, nil
}
