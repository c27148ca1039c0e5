package feed

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"betx/internal/market"
	"betx/internal/settle"
	"betx/internal/store"
	"betx/pkg/types"
)

// matchOddsMarket is the market auto-created for every ingested event.
const matchOddsMarket = "Match Odds"

// OddsPoller periodically ingests provider events: it registers unknown
// matches, opens their match-odds market, and refreshes display prices.
type OddsPoller struct {
	client   *Client
	store    store.Store
	markets  *market.Service
	sports   []string
	interval time.Duration
	logger   *slog.Logger
}

func NewOddsPoller(c *Client, st store.Store, markets *market.Service, sports []string, interval time.Duration, logger *slog.Logger) *OddsPoller {
	return &OddsPoller{
		client:   c,
		store:    st,
		markets:  markets,
		sports:   sports,
		interval: interval,
		logger:   logger.With("component", "odds_poller"),
	}
}

// Run polls until ctx is cancelled.
func (p *OddsPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *OddsPoller) pollOnce(ctx context.Context) {
	for _, sport := range p.sports {
		events, err := p.client.FetchOdds(ctx, sport)
		if err != nil {
			p.logger.Error("odds fetch failed", "sport", sport, "error", err)
			continue
		}
		for _, ev := range events {
			if err := p.ingest(ctx, sport, ev); err != nil {
				p.logger.Error("event ingest failed", "event", ev.ID, "error", err)
			}
		}
	}
}

// ingest registers the event's match and market when new, then refreshes
// the reference odds for every runner a bookmaker quotes.
func (p *OddsPoller) ingest(ctx context.Context, sport string, ev Event) error {
	externalID := ev.ID
	m, err := p.markets.CreateMatch(ctx, market.CreateMatchInput{
		HomeTeam:   ev.HomeTeam,
		AwayTeam:   ev.AwayTeam,
		SportKey:   sport,
		StartTime:  ev.CommenceTime,
		ExternalID: &externalID,
	})
	created := err == nil
	if err != nil && !errors.Is(err, types.ErrConflict) {
		return err
	}

	if created {
		names := outcomeNames(ev)
		if len(names) < 2 {
			p.logger.Warn("event has no quotable outcomes", "event", ev.ID)
			return nil
		}
		if _, _, err := p.markets.CreateMarket(ctx, m.ID, matchOddsMarket, names); err != nil {
			return err
		}
	}

	return p.store.InTx(ctx, func(tx store.Tx) error {
		mkts, err := tx.MarketsByMatch(m.ID)
		if err != nil {
			return err
		}
		for _, mk := range mkts {
			if mk.Name != matchOddsMarket || mk.Status == types.MarketSettled {
				continue
			}
			runners, err := tx.RunnersByMarket(mk.ID)
			if err != nil {
				return err
			}
			for _, r := range runners {
				price, ok := BestOdds(ev, r.Name)
				if !ok {
					continue
				}
				odds := types.RoundOdds(decimal.NewFromFloat(price))
				if err := tx.UpsertReferenceOdds(&types.ReferenceOdds{
					MarketID:    mk.ID,
					SelectionID: r.ID,
					BackPrice:   odds,
					LayPrice:    odds,
					UpdatedAt:   time.Now().UTC(),
				}); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// outcomeNames lists the h2h outcomes of the first bookmaker quoting the
// event, preserving provider order (home, away, and a draw where offered).
func outcomeNames(ev Event) []string {
	for _, b := range ev.Bookmakers {
		for _, m := range b.Markets {
			if m.Key != "h2h" {
				continue
			}
			names := make([]string, 0, len(m.Outcomes))
			for _, o := range m.Outcomes {
				names = append(names, o.Name)
			}
			return names
		}
	}
	return nil
}

// SettlementScanner periodically resolves finished contests: it walks the
// provider's score feed, completes the corresponding matches, and settles
// their markets against the final result.
type SettlementScanner struct {
	client   *Client
	store    store.Store
	markets  *market.Service
	settler  *settle.Engine
	sports   []string
	interval time.Duration
	logger   *slog.Logger
}

func NewSettlementScanner(c *Client, st store.Store, markets *market.Service, settler *settle.Engine, sports []string, interval time.Duration, logger *slog.Logger) *SettlementScanner {
	return &SettlementScanner{
		client:   c,
		store:    st,
		markets:  markets,
		settler:  settler,
		sports:   sports,
		interval: interval,
		logger:   logger.With("component", "settlement_scanner"),
	}
}

// Run scans until ctx is cancelled.
func (s *SettlementScanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scanOnce(ctx)
		}
	}
}

func (s *SettlementScanner) scanOnce(ctx context.Context) {
	completed := make(map[string]Score)
	for _, sport := range s.sports {
		scores, err := s.client.FetchScores(ctx, sport)
		if err != nil {
			s.logger.Error("scores fetch failed", "sport", sport, "error", err)
			continue
		}
		for _, sc := range scores {
			if sc.Completed {
				completed[sc.ID] = sc
			}
		}
	}
	if len(completed) == 0 {
		return
	}

	for _, status := range []types.MatchStatus{types.MatchUpcoming, types.MatchLive} {
		matches, err := s.store.MatchesByStatus(ctx, status)
		if err != nil {
			s.logger.Error("listing matches failed", "status", status, "error", err)
			continue
		}
		for _, m := range matches {
			if m.ExternalID == nil {
				continue
			}
			score, ok := completed[*m.ExternalID]
			if !ok {
				continue
			}
			if err := s.resolve(ctx, m, score); err != nil {
				s.logger.Error("match resolution failed", "match_id", m.ID, "error", err)
			}
		}
	}
}

// resolve completes the match and settles each of its markets: the runner
// named by the final score wins, a draw falls to the "Draw" runner, and a
// market with no matching runner refunds.
func (s *SettlementScanner) resolve(ctx context.Context, m types.Match, score Score) error {
	if m.Status == types.MatchUpcoming {
		if _, err := s.markets.TransitionMatch(ctx, m.ID, types.MatchLive); err != nil {
			return err
		}
	}
	if _, err := s.markets.TransitionMatch(ctx, m.ID, types.MatchCompleted); err != nil {
		return err
	}

	winnerName := score.Winner()
	if winnerName == "" {
		winnerName = "Draw"
	}

	var markets []types.Market
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		markets, err = tx.MarketsByMatch(m.ID)
		return err
	})
	if err != nil {
		return err
	}

	for _, mk := range markets {
		if mk.Status == types.MarketSettled {
			continue
		}
		runners, err := s.store.GetRunners(ctx, mk.ID)
		if err != nil {
			return err
		}
		var winnerID *types.Runner
		for i := range runners {
			if runners[i].Name == winnerName {
				winnerID = &runners[i]
				break
			}
		}
		if winnerID == nil {
			s.logger.Warn("no runner matches result, refunding market",
				"market_id", mk.ID, "winner", winnerName)
			if err := s.settler.SettleMarket(ctx, mk.ID, nil); err != nil {
				return err
			}
			continue
		}
		if err := s.settler.SettleMarket(ctx, mk.ID, &winnerID.ID); err != nil {
			return err
		}
		s.logger.Info("market auto-settled", "market_id", mk.ID, "winner", winnerName)
	}
	return nil
}
