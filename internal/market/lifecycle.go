// Package market manages matches, markets, and their lifecycle state
// machines.
//
// Markets move OPEN → SUSPENDED ↔ OPEN → CLOSED → SETTLED; matches move
// UPCOMING → LIVE → COMPLETED with CANCELLED reachable from the two
// non-terminal states. Illegal transitions are rejected before any write.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"betx/internal/settle"
	"betx/internal/store"
	"betx/pkg/types"
)

// EventPublisher receives lifecycle notifications after commit.
type EventPublisher interface {
	MatchUpdated(m types.Match)
	MarketUpdated(m types.Market)
}

// NopPublisher discards all events.
type NopPublisher struct{}

func (NopPublisher) MatchUpdated(types.Match)   {}
func (NopPublisher) MarketUpdated(types.Market) {}

// Service owns match and market administration.
type Service struct {
	store   store.Store
	settler *settle.Engine
	events  EventPublisher
	logger  *slog.Logger
}

func NewService(st store.Store, settler *settle.Engine, events EventPublisher, logger *slog.Logger) *Service {
	if events == nil {
		events = NopPublisher{}
	}
	return &Service{
		store:   st,
		settler: settler,
		events:  events,
		logger:  logger.With("component", "market"),
	}
}

// CreateMatchInput describes a new sporting contest. ExternalID is the
// provider's identifier; when set and already known, creation becomes a
// read of the existing match.
type CreateMatchInput struct {
	HomeTeam   string
	AwayTeam   string
	SportKey   string
	StartTime  time.Time
	ExternalID *string
}

// CreateMatch inserts a match, or returns the existing one together with
// ErrConflict when the external id is already registered.
func (s *Service) CreateMatch(ctx context.Context, in CreateMatchInput) (*types.Match, error) {
	if in.HomeTeam == "" || in.AwayTeam == "" || in.SportKey == "" {
		return nil, fmt.Errorf("match teams and sport are required: %w", types.ErrInvalidInput)
	}

	var match types.Match
	var conflict bool
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if in.ExternalID != nil {
			existing, err := tx.MatchByExternalID(*in.ExternalID)
			if err == nil {
				match, conflict = *existing, true
				return nil
			}
			if !errors.Is(err, types.ErrNotFound) {
				return err
			}
		}
		match = types.Match{
			ID:         uuid.New(),
			HomeTeam:   in.HomeTeam,
			AwayTeam:   in.AwayTeam,
			SportKey:   in.SportKey,
			StartTime:  in.StartTime,
			ExternalID: in.ExternalID,
			Status:     types.MatchUpcoming,
			CreatedAt:  time.Now().UTC(),
		}
		return tx.InsertMatch(&match)
	})
	if err != nil {
		return nil, err
	}
	if conflict {
		return &match, fmt.Errorf("external id %q already registered: %w",
			*in.ExternalID, types.ErrConflict)
	}
	s.logger.Info("match created",
		"match_id", match.ID,
		"home", match.HomeTeam,
		"away", match.AwayTeam,
	)
	s.events.MatchUpdated(match)
	return &match, nil
}

// CreateMarket opens a market on a match with the given runners. At least
// two runners are required; the market opens immediately.
func (s *Service) CreateMarket(ctx context.Context, matchID uuid.UUID, name string, runnerNames []string) (*types.Market, []types.Runner, error) {
	if name == "" {
		return nil, nil, fmt.Errorf("market name is required: %w", types.ErrInvalidInput)
	}
	if len(runnerNames) < 2 {
		return nil, nil, fmt.Errorf("market needs at least two runners, got %d: %w",
			len(runnerNames), types.ErrInvalidInput)
	}

	var (
		market  types.Market
		runners []types.Runner
	)
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		match, err := tx.GetMatch(matchID)
		if err != nil {
			return err
		}
		if match.Status == types.MatchCompleted || match.Status == types.MatchCancelled {
			return fmt.Errorf("match %s is %s: %w", matchID, match.Status, types.ErrInvalidState)
		}
		market = types.Market{
			ID:        uuid.New(),
			MatchID:   matchID,
			Name:      name,
			Status:    types.MarketOpen,
			CreatedAt: time.Now().UTC(),
		}
		if err := tx.InsertMarket(&market); err != nil {
			return err
		}
		runners = make([]types.Runner, 0, len(runnerNames))
		for _, rn := range runnerNames {
			r := types.Runner{
				ID:        uuid.New(),
				MarketID:  market.ID,
				Name:      rn,
				BackPrice: decimal.Zero,
				LayPrice:  decimal.Zero,
			}
			if err := tx.InsertRunner(&r); err != nil {
				return err
			}
			runners = append(runners, r)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	s.logger.Info("market created", "market_id", market.ID, "match_id", matchID, "name", name)
	s.events.MarketUpdated(market)
	return &market, runners, nil
}

// TransitionMarket moves a market between lifecycle states. SETTLED is not
// reachable here — only the settlement engine finalizes a market.
func (s *Service) TransitionMarket(ctx context.Context, marketID uuid.UUID, next types.MarketStatus) (*types.Market, error) {
	if next == types.MarketSettled {
		return nil, fmt.Errorf("markets settle through settlement, not transition: %w", types.ErrInvalidState)
	}

	var market types.Market
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		m, err := tx.MarketForUpdate(marketID)
		if err != nil {
			return err
		}
		if !m.Status.CanTransitionTo(next) {
			return fmt.Errorf("market transition %s → %s: %w", m.Status, next, types.ErrInvalidState)
		}
		if err := tx.UpdateMarketStatus(marketID, next); err != nil {
			return err
		}
		m.Status = next
		market = *m
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("market transitioned", "market_id", marketID, "status", next)
	s.events.MarketUpdated(market)
	return &market, nil
}

// TransitionMatch moves a match between lifecycle states. Cancelling a
// match refunds every market under it: each market settles refund-all in
// its own transaction, so a failure part-way leaves the remainder
// retryable rather than half-settled.
func (s *Service) TransitionMatch(ctx context.Context, matchID uuid.UUID, next types.MatchStatus) (*types.Match, error) {
	var (
		match   types.Match
		markets []types.Market
	)
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		m, err := tx.GetMatch(matchID)
		if err != nil {
			return err
		}
		if !m.Status.CanTransitionTo(next) {
			return fmt.Errorf("match transition %s → %s: %w", m.Status, next, types.ErrInvalidState)
		}
		if err := tx.UpdateMatchStatus(matchID, next); err != nil {
			return err
		}
		m.Status = next
		match = *m
		if next == types.MatchCancelled {
			markets, err = tx.MarketsByMatch(matchID)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, m := range markets {
		if m.Status == types.MarketSettled {
			continue
		}
		if err := s.settler.SettleMarket(ctx, m.ID, nil); err != nil {
			return nil, fmt.Errorf("refunding market %s for cancelled match: %w", m.ID, err)
		}
	}

	s.logger.Info("match transitioned", "match_id", matchID, "status", next)
	s.events.MatchUpdated(match)
	return &match, nil
}
