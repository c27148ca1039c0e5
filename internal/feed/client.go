// Package feed integrates the external odds provider.
//
// The REST client (Client) talks to the provider API for two things:
//   - FetchOdds:   GET /v4/sports/{sport}/odds   — display prices per event
//   - FetchScores: GET /v4/sports/{sport}/scores — final scores for settlement
//
// Provider prices are display-only reference odds; they are stored beside
// the book and never consulted by the matching engine. Every request is
// rate-limited against the provider's monthly quota and retried on 5xx.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// Event is one sporting contest as reported by the odds endpoint.
type Event struct {
	ID           string      `json:"id"`
	SportKey     string      `json:"sport_key"`
	HomeTeam     string      `json:"home_team"`
	AwayTeam     string      `json:"away_team"`
	CommenceTime time.Time   `json:"commence_time"`
	Bookmakers   []Bookmaker `json:"bookmakers"`
}

// Bookmaker carries one book's markets for an event.
type Bookmaker struct {
	Key     string           `json:"key"`
	Markets []BookmakerOdds  `json:"markets"`
}

// BookmakerOdds is one market's outcome prices ("h2h" is match odds).
type BookmakerOdds struct {
	Key      string    `json:"key"`
	Outcomes []Outcome `json:"outcomes"`
}

// Outcome is a named selection with its decimal price.
type Outcome struct {
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

// Score is one contest's state from the scores endpoint.
type Score struct {
	ID        string      `json:"id"`
	SportKey  string      `json:"sport_key"`
	HomeTeam  string      `json:"home_team"`
	AwayTeam  string      `json:"away_team"`
	Completed bool        `json:"completed"`
	Scores    []TeamScore `json:"scores"`
}

// TeamScore is a team's running or final score.
type TeamScore struct {
	Name  string `json:"name"`
	Score string `json:"score"`
}

// Winner returns the name of the winning team, or "" for a draw or an
// incomplete score sheet. Provider scores arrive as strings.
func (s Score) Winner() string {
	if len(s.Scores) != 2 {
		return ""
	}
	a, errA := strconv.Atoi(s.Scores[0].Score)
	b, errB := strconv.Atoi(s.Scores[1].Score)
	if errA != nil || errB != nil {
		return ""
	}
	switch {
	case a > b:
		return s.Scores[0].Name
	case b > a:
		return s.Scores[1].Name
	default:
		return ""
	}
}

// Client is the odds provider REST client.
type Client struct {
	http   *resty.Client
	apiKey string
	rl     *TokenBucket
	logger *slog.Logger
}

// NewClient creates a provider client with rate limiting and retry.
func NewClient(baseURL, apiKey string, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		apiKey: apiKey,
		// The provider allows bursts but meters a monthly quota; one
		// request per second sustained keeps a free-tier key alive.
		rl:     NewTokenBucket(10, 1),
		logger: logger.With("component", "feed"),
	}
}

// FetchOdds returns upcoming events with h2h display prices for one sport.
func (c *Client) FetchOdds(ctx context.Context, sportKey string) ([]Event, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}

	var events []Event
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"apiKey":     c.apiKey,
			"regions":    "eu",
			"markets":    "h2h",
			"oddsFormat": "decimal",
		}).
		SetResult(&events).
		Get(fmt.Sprintf("/v4/sports/%s/odds", sportKey))
	if err != nil {
		return nil, fmt.Errorf("fetch odds: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch odds: status %d: %s", resp.StatusCode(), resp.String())
	}
	return events, nil
}

// FetchScores returns recent contests with completion state for one sport.
func (c *Client) FetchScores(ctx context.Context, sportKey string) ([]Score, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}

	var scores []Score
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"apiKey":   c.apiKey,
			"daysFrom": "1",
		}).
		SetResult(&scores).
		Get(fmt.Sprintf("/v4/sports/%s/scores", sportKey))
	if err != nil {
		return nil, fmt.Errorf("fetch scores: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch scores: status %d: %s", resp.StatusCode(), resp.String())
	}
	return scores, nil
}

// BestOdds extracts the first bookmaker's h2h price for a named outcome.
func BestOdds(e Event, outcome string) (float64, bool) {
	for _, b := range e.Bookmakers {
		for _, m := range b.Markets {
			if m.Key != "h2h" {
				continue
			}
			for _, o := range m.Outcomes {
				if o.Name == outcome {
					return o.Price, true
				}
			}
		}
	}
	return 0, false
}
