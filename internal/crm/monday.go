package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"outreach/internal/domain"
)

const mondayEndpoint = "https://api.monday.com/v2"

const changeColumnsMutation = `mutation ($board: ID!, $item: ID!, $values: JSON!) {
  change_multiple_column_values(board_id: $board, item_id: $item, column_values: $values) { id }
}`

// MondayConfig configures the monday.com status sink.
type MondayConfig struct {
	APIToken     string
	BoardID      string
	StatusColumn string // defaults to "lead_status"
	NotesColumn  string // optional text column for the transition note
	Endpoint     string
	Timeout      time.Duration
	MaxRetries   int
	// BreakerFailures opens the circuit after this many consecutive failures.
	BreakerFailures uint32
	// BreakerCooldown is how long the circuit stays open.
	BreakerCooldown time.Duration
	Client          *http.Client
	Logger          *slog.Logger
}

// Monday updates the lead status column of a monday.com board item. The
// lead id is the board item id.
type Monday struct {
	cfg     MondayConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewMonday creates the sink.
func NewMonday(cfg MondayConfig) *Monday {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = mondayEndpoint
	}
	if cfg.StatusColumn == "" {
		cfg.StatusColumn = "lead_status"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	failures := cfg.BreakerFailures
	return &Monday{
		cfg:    cfg,
		client: cfg.Client,
		logger: logger,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "monday",
			MaxRequests: 1,
			Timeout:     cfg.BreakerCooldown,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("crm circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("monday: circuit open, crm update skipped")

// UpdateStatus sets the status label (and the note column if configured).
func (m *Monday) UpdateStatus(ctx context.Context, leadID string, status domain.OutreachStatus, note string) error {
	values := map[string]any{
		m.cfg.StatusColumn: map[string]string{"label": LabelFor(status)},
	}
	if m.cfg.NotesColumn != "" && note != "" {
		values[m.cfg.NotesColumn] = note
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("monday: marshal column values: %w", err)
	}

	_, err = executeWithBreaker(m.breaker, func() (string, error) {
		return m.mutate(ctx, leadID, string(encoded))
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

func executeWithBreaker[T any](cb *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	res, err := cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		return *new(T), err
	}
	return res.(T), nil
}

type graphQLResponse struct {
	Data struct {
		ChangeMultipleColumnValues struct {
			ID string `json:"id"`
		} `json:"change_multiple_column_values"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
	ErrorMessage string `json:"error_message"`
}

func (m *Monday) mutate(ctx context.Context, itemID, values string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"query": changeColumnsMutation,
		"variables": map[string]string{
			"board":  m.cfg.BoardID,
			"item":   itemID,
			"values": values,
		},
	})
	if err != nil {
		return "", fmt.Errorf("monday: marshal: %w", err)
	}

	resp, err := doWithRetry(ctx, m.client, m.cfg.MaxRetries, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.Endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", m.cfg.APIToken)
		req.Header.Set("API-Version", "2024-10")
		return req, nil
	}, m.logger)
	if err != nil {
		return "", fmt.Errorf("monday: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("monday: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("monday API %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out graphQLResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("monday: decode response: %w", err)
	}
	if len(out.Errors) > 0 {
		return "", fmt.Errorf("monday: %s", out.Errors[0].Message)
	}
	if out.ErrorMessage != "" {
		return "", fmt.Errorf("monday: %s", out.ErrorMessage)
	}
	return out.Data.ChangeMultipleColumnValues.ID, nil
}
