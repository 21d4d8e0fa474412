// Package market holds the live, in-memory prediction markets: the per-market
// aggregate that serialises bets, votes and status transitions, and the
// registry that owns every market and its event stream.
package market

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/alanyoungcy/pointsmarket/internal/amm"
	"github.com/alanyoungcy/pointsmarket/internal/domain"
	"github.com/alanyoungcy/pointsmarket/internal/payout"
)

// DebitFunc removes the wagered points from the bettor's external balance.
// It is called after the pool mutation has been applied; a non-nil error
// rolls the mutation back.
type DebitFunc func(ctx context.Context) error

// Emitter receives market events. Implementations must not block.
type Emitter interface {
	Emit(ev domain.MarketEvent)
}

// Params describes a market to create.
type Params struct {
	ID        string
	Question  string
	Options   []string
	EndTime   time.Time
	CreatorID string
	Category  string
}

// Config carries the policy knobs shared by every market of a registry.
type Config struct {
	// Liquidity is the initial reserve L0 of each outcome.
	Liquidity float64
	// VoteThreshold is the number of votes an outcome needs to resolve.
	VoteThreshold int
	Clock         clock.Clock
	Emitter       Emitter
}

type position struct {
	amount int64
	shares float64
}

// Market is a binary prediction market. Every method is safe for concurrent
// use; all mutations are serialised by a per-market mutex.
type Market struct {
	id        string
	question  string
	options   []string
	endTime   time.Time
	creatorID string
	category  string
	createdAt time.Time
	curve     amm.ConstantProduct
	threshold int
	clock     clock.Clock
	emitter   Emitter

	mu            sync.Mutex
	status        domain.MarketStatus // open, resolved or refunded; awaiting is derived
	result        string
	pools         map[string]float64
	bets          map[string]map[string]*position
	history       []domain.Bet
	totalBets     int64
	votes         map[string]map[string]struct{}
	userVotes     map[string]struct{}
	closeNotified bool
	claimed       bool
	settledAt     *time.Time
	done          chan struct{}
}

// ValidateOptions trims the option labels and checks that there are exactly
// two distinct, non-empty outcomes.
func ValidateOptions(options []string) ([]string, error) {
	if len(options) != 2 {
		return nil, fmt.Errorf("%w: binary markets need exactly 2 options, got %d", domain.ErrInvalidOptions, len(options))
	}
	out := make([]string, 0, len(options))
	seen := make(map[string]bool, len(options))
	for _, o := range options {
		o = strings.TrimSpace(o)
		if o == "" {
			return nil, fmt.Errorf("%w: empty option", domain.ErrInvalidOptions)
		}
		if seen[o] {
			return nil, fmt.Errorf("%w: duplicate option %q", domain.ErrInvalidOptions, o)
		}
		seen[o] = true
		out = append(out, o)
	}
	return out, nil
}

// New validates p and returns an open market.
func New(p Params, cfg Config) (*Market, error) {
	options, err := ValidateOptions(p.Options)
	if err != nil {
		return nil, fmt.Errorf("market: new: %w", err)
	}
	if strings.TrimSpace(p.Question) == "" {
		return nil, fmt.Errorf("market: new: %w: question is empty", domain.ErrInvalidMarket)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("market: new: %w: id is empty", domain.ErrInvalidMarket)
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	now := clk.Now()
	if !p.EndTime.After(now) {
		return nil, fmt.Errorf("market: new: %w: end time %s is not in the future", domain.ErrInvalidMarket, p.EndTime.Format(time.RFC3339))
	}
	threshold := cfg.VoteThreshold
	if threshold < 1 {
		threshold = 1
	}

	curve := amm.New(cfg.Liquidity)
	m := &Market{
		id:        p.ID,
		question:  strings.TrimSpace(p.Question),
		options:   options,
		endTime:   p.EndTime,
		creatorID: p.CreatorID,
		category:  strings.TrimSpace(p.Category),
		createdAt: now,
		curve:     curve,
		threshold: threshold,
		clock:     clk,
		emitter:   cfg.Emitter,
		status:    domain.MarketStatusOpen,
		pools:     make(map[string]float64, len(options)),
		bets:      make(map[string]map[string]*position, len(options)),
		votes:     make(map[string]map[string]struct{}, len(options)),
		userVotes: make(map[string]struct{}),
		done:      make(chan struct{}),
	}
	for _, o := range options {
		m.pools[o] = curve.L0
		m.bets[o] = make(map[string]*position)
		m.votes[o] = make(map[string]struct{})
	}

	m.emitLocked(domain.EventMarketCreated, nil)
	return m, nil
}

// ID returns the market id.
func (m *Market) ID() string { return m.id }

// Question returns the market question.
func (m *Market) Question() string { return m.question }

// CreatorID returns the id of the user who created the market.
func (m *Market) CreatorID() string { return m.creatorID }

// EndTime returns the moment betting closes.
func (m *Market) EndTime() time.Time { return m.endTime }

// Category returns the market category, possibly empty.
func (m *Market) Category() string { return m.category }

// CreatedAt returns the creation time.
func (m *Market) CreatedAt() time.Time { return m.createdAt }

// Options returns a copy of the outcome labels.
func (m *Market) Options() []string {
	out := make([]string, len(m.options))
	copy(out, m.options)
	return out
}

// Done is closed when the market reaches a terminal status by any path.
func (m *Market) Done() <-chan struct{} { return m.done }

// Status returns the current lifecycle status.
func (m *Market) Status() domain.MarketStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

// Result returns the winning outcome, set only once resolved.
func (m *Market) Result() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.result, m.status == domain.MarketStatusResolved
}

func (m *Market) statusLocked() domain.MarketStatus {
	if m.status.Terminal() {
		return m.status
	}
	if !m.clock.Now().Before(m.endTime) {
		return domain.MarketStatusAwaitingResolution
	}
	return domain.MarketStatusOpen
}

func (m *Market) opposite(outcome string) (string, bool) {
	switch outcome {
	case m.options[0]:
		return m.options[1], true
	case m.options[1]:
		return m.options[0], true
	default:
		return "", false
	}
}

// PlaceBet buys shares of outcome for amount points. The pool is mutated
// first and debit is then called with the lock held; if debit fails the pool
// and bet ledger are restored exactly and the error wraps
// domain.ErrLedgerFailure. A nil debit means the caller already holds the
// points.
func (m *Market) PlaceBet(ctx context.Context, userID, outcome string, amount int64, debit DebitFunc) (domain.BetReceipt, error) {
	if amount <= 0 {
		return domain.BetReceipt{}, fmt.Errorf("market: place bet: %w", domain.ErrInvalidAmount)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if st := m.statusLocked(); st != domain.MarketStatusOpen {
		return domain.BetReceipt{}, fmt.Errorf("market: place bet on %s market: %w", st, domain.ErrMarketClosed)
	}
	other, ok := m.opposite(outcome)
	if !ok {
		return domain.BetReceipt{}, fmt.Errorf("market: place bet %q: %w", outcome, domain.ErrUnknownOutcome)
	}

	selfPool, otherPool := m.pools[outcome], m.pools[other]
	shares := amm.SharesForPoints(selfPool, otherPool, m.curve.K, float64(amount))
	if shares <= 0 {
		return domain.BetReceipt{}, fmt.Errorf("market: place bet: %w", domain.ErrInsufficientLiquidity)
	}

	m.pools[outcome] = selfPool - shares
	m.pools[other] = otherPool + float64(amount)

	if debit != nil {
		if err := debit(ctx); err != nil {
			m.pools[outcome] = selfPool
			m.pools[other] = otherPool
			return domain.BetReceipt{}, fmt.Errorf("market: place bet: %w: %w", domain.ErrLedgerFailure, err)
		}
	}

	pos, ok := m.bets[outcome][userID]
	if !ok {
		pos = &position{}
		m.bets[outcome][userID] = pos
	}
	pos.amount += amount
	pos.shares += shares
	m.totalBets += amount

	now := m.clock.Now()
	bet := domain.Bet{
		Seq:      int64(len(m.history)) + 1,
		MarketID: m.id,
		UserID:   userID,
		Outcome:  outcome,
		Amount:   amount,
		Shares:   shares,
		PlacedAt: now,
	}
	m.history = append(m.history, bet)
	m.emitLocked(domain.EventBetPlaced, func(ev *domain.MarketEvent) {
		ev.UserID = userID
		ev.Outcome = outcome
		ev.Amount = amount
		b := bet
		ev.Bet = &b
	})

	return domain.BetReceipt{
		MarketID:      m.id,
		UserID:        userID,
		Outcome:       outcome,
		Amount:        amount,
		Shares:        shares,
		PricePerShare: float64(amount) / shares,
		Position:      domain.Wager{UserID: userID, Outcome: outcome, Amount: pos.amount, Shares: pos.shares},
		Pools:         m.poolsLocked(),
		PlacedAt:      now,
	}, nil
}

// Vote records a resolution vote. Voting opens at the end time and each user
// may vote once. When an outcome reaches the vote threshold the market
// resolves in the same critical section and the receipt reports it; the
// caller that receives Resolved=true is the only one that should settle.
func (m *Market) Vote(voter domain.Voter, outcome string) (domain.VoteReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch st := m.statusLocked(); {
	case st.Terminal():
		return domain.VoteReceipt{}, fmt.Errorf("market: vote on %s market: %w", st, domain.ErrMarketClosed)
	case st == domain.MarketStatusOpen:
		return domain.VoteReceipt{}, fmt.Errorf("market: vote before %s: %w", m.endTime.Format(time.RFC3339), domain.ErrVotingNotOpen)
	}
	if !voter.CanResolve {
		return domain.VoteReceipt{}, fmt.Errorf("market: vote by %s: %w", voter.UserID, domain.ErrNotResolver)
	}
	if _, ok := m.votes[outcome]; !ok {
		return domain.VoteReceipt{}, fmt.Errorf("market: vote %q: %w", outcome, domain.ErrUnknownOutcome)
	}
	if _, voted := m.userVotes[voter.UserID]; voted {
		return domain.VoteReceipt{}, fmt.Errorf("market: vote by %s: %w", voter.UserID, domain.ErrAlreadyVoted)
	}

	m.votes[outcome][voter.UserID] = struct{}{}
	m.userVotes[voter.UserID] = struct{}{}
	tally := len(m.votes[outcome])

	m.emitLocked(domain.EventVoteCast, func(ev *domain.MarketEvent) {
		ev.UserID = voter.UserID
		ev.Outcome = outcome
	})

	receipt := domain.VoteReceipt{
		MarketID: m.id,
		UserID:   voter.UserID,
		Outcome:  outcome,
		Tally:    tally,
	}
	if tally >= m.threshold {
		m.finishLocked(domain.MarketStatusResolved, outcome)
		receipt.Resolved = true
		receipt.Result = outcome
	}
	return receipt, nil
}

// Resolve fixes the winning outcome directly. It is the administrative path
// and is allowed at any time before the market is terminal.
func (m *Market) Resolve(voter domain.Voter, outcome string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status.Terminal() {
		return fmt.Errorf("market: resolve %s market: %w", m.status, domain.ErrAlreadySettled)
	}
	if !voter.CanResolve {
		return fmt.Errorf("market: resolve by %s: %w", voter.UserID, domain.ErrNotResolver)
	}
	if _, ok := m.opposite(outcome); !ok {
		return fmt.Errorf("market: resolve %q: %w", outcome, domain.ErrUnknownOutcome)
	}
	m.finishLocked(domain.MarketStatusResolved, outcome)
	return nil
}

// Refund moves the market to Refunded. It fails with
// domain.ErrAlreadySettled when the market is already terminal, which makes
// the resolution and refund paths mutually exclusive.
func (m *Market) Refund() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status.Terminal() {
		return fmt.Errorf("market: refund %s market: %w", m.status, domain.ErrAlreadySettled)
	}
	m.finishLocked(domain.MarketStatusRefunded, "")
	return nil
}

func (m *Market) finishLocked(status domain.MarketStatus, result string) {
	now := m.clock.Now()
	m.status = status
	m.result = result
	m.settledAt = &now
	close(m.done)

	evType := domain.EventMarketResolved
	if status == domain.MarketStatusRefunded {
		evType = domain.EventMarketRefunded
	}
	m.emitLocked(evType, func(ev *domain.MarketEvent) {
		ev.Outcome = result
	})
}

// CloseBetting reports whether the caller is the first to observe that
// betting has closed on a still unresolved market. It emits betting_closed
// exactly once.
func (m *Market) CloseBetting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closeNotified || m.statusLocked() != domain.MarketStatusAwaitingResolution {
		return false
	}
	m.closeNotified = true
	m.emitLocked(domain.EventBettingClosed, nil)
	return true
}

// ClaimSettlement hands out the right to pay a terminal market. It returns
// true exactly once per market and false before the market is terminal.
func (m *Market) ClaimSettlement() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.status.Terminal() || m.claimed {
		return false
	}
	m.claimed = true
	return true
}

// Wagers returns every user position, ordered by option then user id.
func (m *Market) Wagers() []domain.Wager {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wagersLocked()
}

func (m *Market) wagersLocked() []domain.Wager {
	var out []domain.Wager
	for _, o := range m.options {
		users := make([]string, 0, len(m.bets[o]))
		for u := range m.bets[o] {
			users = append(users, u)
		}
		sort.Strings(users)
		for _, u := range users {
			p := m.bets[o][u]
			out = append(out, domain.Wager{UserID: u, Outcome: o, Amount: p.amount, Shares: p.shares})
		}
	}
	return out
}

// BetHistory returns every accepted bet in placement order.
func (m *Market) BetHistory() []domain.Bet {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Bet, len(m.history))
	copy(out, m.history)
	return out
}

// TotalBets returns the running sum of all wagered points.
func (m *Market) TotalBets() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalBets
}

// Pools returns a copy of the liquidity pools.
func (m *Market) Pools() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.poolsLocked()
}

func (m *Market) poolsLocked() map[string]float64 {
	out := make(map[string]float64, len(m.pools))
	for k, v := range m.pools {
		out[k] = v
	}
	return out
}

func (m *Market) volumeLocked(outcome string) int64 {
	var v int64
	for _, p := range m.bets[outcome] {
		v += p.amount
	}
	return v
}

// K returns the constant product of the market.
func (m *Market) K() float64 { return m.curve.K }

// Quote returns the pricing snapshot of every outcome for probe points.
func (m *Market) Quote(probe int64) domain.Quote {
	if probe <= 0 {
		probe = amm.DefaultProbePoints
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	volumes := make([]int64, len(m.options))
	for i, o := range m.options {
		volumes[i] = m.volumeLocked(o)
	}
	probs := amm.Probabilities(volumes)

	q := domain.Quote{MarketID: m.id, ProbePoints: probe}
	for i, o := range m.options {
		other, _ := m.opposite(o)
		price, shares := amm.PricePerShare(m.pools[o], m.pools[other], m.curve.K, float64(probe))
		q.Outcomes = append(q.Outcomes, domain.OutcomeQuote{
			Outcome:         o,
			PricePerShare:   price,
			PotentialShares: shares,
			Probability:     probs[i],
			PotentialPayout: payout.Proportional(probe, volumes[i]+probe, m.totalBets+probe),
			TotalBets:       volumes[i],
		})
	}
	return q
}

// ShareValuePayout returns the share-based payout of userID on a resolved
// market.
//
// Deprecated: settlement pays by wagered amount; this value is informative.
func (m *Market) ShareValuePayout(userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status != domain.MarketStatusResolved {
		return 0, fmt.Errorf("market: share value payout on %s market: %w", m.statusLocked(), domain.ErrNotSettled)
	}
	p, ok := m.bets[m.result][userID]
	if !ok {
		return 0, nil
	}
	return payout.ShareValue(p.shares, m.volumeLocked(m.result), m.totalBets), nil
}

// Snapshot returns the serialisable state of the market.
func (m *Market) Snapshot() domain.Market {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Market) snapshotLocked() domain.Market {
	volume := make(map[string]int64, len(m.options))
	votes := make(map[string]int, len(m.options))
	bettors := make(map[string]struct{})
	for _, o := range m.options {
		volume[o] = m.volumeLocked(o)
		votes[o] = len(m.votes[o])
		for u := range m.bets[o] {
			bettors[u] = struct{}{}
		}
	}
	snap := domain.Market{
		ID:        m.id,
		Question:  m.question,
		Options:   m.Options(),
		EndTime:   m.endTime,
		CreatorID: m.creatorID,
		Category:  m.category,
		Status:    m.statusLocked(),
		Result:    m.result,
		Pools:     m.poolsLocked(),
		K:         m.curve.K,
		TotalBets: m.totalBets,
		Volume:    volume,
		Votes:     votes,
		Bettors:   len(bettors),
		CreatedAt: m.createdAt,
	}
	if m.settledAt != nil {
		t := *m.settledAt
		snap.SettledAt = &t
	}
	return snap
}

func (m *Market) emitLocked(t domain.EventType, fill func(ev *domain.MarketEvent)) {
	if m.emitter == nil {
		return
	}
	ev := domain.MarketEvent{
		Type:     t,
		MarketID: m.id,
		Market:   m.snapshotLocked(),
		At:       m.clock.Now(),
	}
	if fill != nil {
		fill(&ev)
	}
	m.emitter.Emit(ev)
}
