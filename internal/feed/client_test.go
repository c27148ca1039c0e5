package feed

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const oddsPayload = `[
  {
    "id": "evt-1",
    "sport_key": "soccer_epl",
    "home_team": "Arsenal",
    "away_team": "Chelsea",
    "commence_time": "2026-09-01T15:00:00Z",
    "bookmakers": [
      {
        "key": "pinnacle",
        "markets": [
          {
            "key": "h2h",
            "outcomes": [
              {"name": "Arsenal", "price": 2.10},
              {"name": "Chelsea", "price": 3.40},
              {"name": "Draw", "price": 3.25}
            ]
          }
        ]
      }
    ]
  }
]`

const scoresPayload = `[
  {
    "id": "evt-1",
    "sport_key": "soccer_epl",
    "home_team": "Arsenal",
    "away_team": "Chelsea",
    "completed": true,
    "scores": [
      {"name": "Arsenal", "score": "2"},
      {"name": "Chelsea", "score": "1"}
    ]
  },
  {
    "id": "evt-2",
    "sport_key": "soccer_epl",
    "home_team": "Leeds",
    "away_team": "Everton",
    "completed": false,
    "scores": null
  }
]`

func TestFetchOdds(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v4/sports/soccer_epl/odds" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("apiKey"); got != "test-key" {
			t.Errorf("apiKey = %q, want test-key", got)
		}
		if got := r.URL.Query().Get("markets"); got != "h2h" {
			t.Errorf("markets = %q, want h2h", got)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, oddsPayload)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key", testLogger())
	events, err := c.FetchOdds(context.Background(), "soccer_epl")
	if err != nil {
		t.Fatalf("FetchOdds: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.ID != "evt-1" || ev.HomeTeam != "Arsenal" || ev.AwayTeam != "Chelsea" {
		t.Errorf("event = %+v", ev)
	}

	price, ok := BestOdds(ev, "Chelsea")
	if !ok || price != 3.40 {
		t.Errorf("BestOdds(Chelsea) = %v, %v; want 3.40, true", price, ok)
	}
	if _, ok := BestOdds(ev, "Spurs"); ok {
		t.Error("BestOdds matched an outcome nobody quotes")
	}
}

func TestFetchScores(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v4/sports/soccer_epl/scores" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, scoresPayload)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key", testLogger())
	scores, err := c.FetchScores(context.Background(), "soccer_epl")
	if err != nil {
		t.Fatalf("FetchScores: %v", err)
	}
	if len(scores) != 2 {
		t.Fatalf("got %d scores, want 2", len(scores))
	}
	if !scores[0].Completed || scores[1].Completed {
		t.Errorf("completed flags = %v, %v", scores[0].Completed, scores[1].Completed)
	}
}

func TestFetchOddsErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"invalid key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "bad-key", testLogger())
	if _, err := c.FetchOdds(context.Background(), "soccer_epl"); err == nil {
		t.Fatal("expected error on 401, got nil")
	}
}

func TestScoreWinner(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		scores []TeamScore
		want   string
	}{
		{"home wins", []TeamScore{{"Arsenal", "2"}, {"Chelsea", "1"}}, "Arsenal"},
		{"away wins", []TeamScore{{"Arsenal", "0"}, {"Chelsea", "3"}}, "Chelsea"},
		{"draw", []TeamScore{{"Arsenal", "1"}, {"Chelsea", "1"}}, ""},
		{"double digits compare numerically", []TeamScore{{"Hawks", "9"}, {"Bulls", "10"}}, "Bulls"},
		{"missing scores", nil, ""},
		{"unparseable", []TeamScore{{"Arsenal", "-"}, {"Chelsea", "1"}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := Score{Scores: tt.scores}
			if got := s.Winner(); got != tt.want {
				t.Errorf("Winner() = %q, want %q", got, tt.want)
			}
		})
	}
}
