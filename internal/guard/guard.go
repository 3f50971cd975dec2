// Package guard assembles decision contexts from the live stores and runs the
// checkout decision once per cart product.
package guard

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/TimurManjosov/qualiopigate/internal/completion"
	"github.com/TimurManjosov/qualiopigate/internal/decision"
	"github.com/TimurManjosov/qualiopigate/internal/flags"
	"github.com/TimurManjosov/qualiopigate/internal/mapping"
	"github.com/TimurManjosov/qualiopigate/internal/session"
	"github.com/TimurManjosov/qualiopigate/internal/telemetry"
	"github.com/TimurManjosov/qualiopigate/internal/token"
)

// Stage tells where in the funnel a check happens.
type Stage string

const (
	StageCheckout Stage = "checkout"
	StageCart     Stage = "cart"
)

// Query parameters appended to test page links.
const (
	ParamProductID = "wcqs_product_id"
	ParamReturn    = "wcqs_return"
)

// ErrInvalidRequest wraps caller mistakes, as opposed to store failures.
var ErrInvalidRequest = errors.New("invalid request")

// CheckRequest describes one cart.
type CheckRequest struct {
	SessionID  string  `json:"session_id"`
	UserID     int64   `json:"user_id"`
	ProductIDs []int64 `json:"product_ids"`
	Token      string  `json:"token,omitempty"`
	Stage      Stage   `json:"stage,omitempty"`
	ReturnURL  string  `json:"return_url,omitempty"`
}

// ProductDecision pairs a product with its decision.
type ProductDecision struct {
	ProductID int64             `json:"product_id"`
	Decision  decision.Decision `json:"decision"`
}

// Pending is a product whose test still has to be passed.
type Pending struct {
	ProductID int64  `json:"product_id"`
	TestURL   string `json:"test_url,omitempty"`
}

// CheckResult aggregates the per-product decisions of one cart.
type CheckResult struct {
	Allowed     bool              `json:"allowed"`
	Decisions   []ProductDecision `json:"decisions"`
	Pending     []Pending         `json:"pending"`
	RedirectURL *string           `json:"redirect_url"`
}

// CompleteRequest reports a passed test.
type CompleteRequest struct {
	SessionID string `json:"session_id"`
	UserID    int64  `json:"user_id"`
	ProductID int64  `json:"product_id"`
}

// CompleteResult carries the proof token handed back to the buyer.
type CompleteResult struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Options wires a Guard.
type Options struct {
	Engine      *decision.Engine
	Flags       *flags.Set
	Mappings    *mapping.Cache
	Sessions    session.Store
	Completions *completion.Checker
	Tokens      *token.Signer
	Nonces      token.NonceStore // nil keeps spent tokens in memory
	SessionTTL  time.Duration
	Logger      zerolog.Logger
}

// Guard is safe for concurrent use; all state lives in its collaborators.
type Guard struct {
	engine      *decision.Engine
	flags       *flags.Set
	mappings    *mapping.Cache
	sessions    session.Store
	completions *completion.Checker
	tokens      *token.Signer
	nonces      token.NonceStore
	sessionTTL  time.Duration
	logger      zerolog.Logger
}

func New(opts Options) *Guard {
	eng := opts.Engine
	if eng == nil {
		eng = decision.NewEngine()
	}
	ttl := opts.SessionTTL
	if ttl <= 0 {
		ttl = session.DefaultTTL
	}
	nonces := opts.Nonces
	if nonces == nil {
		nonces = token.NewMemoryNonceStore(nil)
	}
	return &Guard{
		engine:      eng,
		nonces:      nonces,
		flags:       opts.Flags,
		mappings:    opts.Mappings,
		sessions:    opts.Sessions,
		completions: opts.Completions,
		tokens:      opts.Tokens,
		sessionTTL:  ttl,
		logger:      opts.Logger.With().Str("component", "guard").Logger(),
	}
}

// Check decides every product of the cart independently. Duplicates are
// dropped, order is kept. An empty cart yields a single no_product decision.
// Store errors are returned as-is; callers must fail closed.
//
// Check never spends a token; see Authorize.
func (g *Guard) Check(ctx context.Context, req CheckRequest) (CheckResult, error) {
	return g.check(ctx, req, false)
}

// Authorize is the payment-time check. The stage is always checkout and a
// token that lets the whole cart through is spent, so it cannot authorize
// a second order. A token in a blocked cart is kept for the next attempt.
func (g *Guard) Authorize(ctx context.Context, req CheckRequest) (CheckResult, error) {
	req.Stage = StageCheckout
	return g.check(ctx, req, true)
}

// tokenUse is a product allowed by its token, pending the spend.
type tokenUse struct {
	index int
	ctx   decision.Context
	key   string
}

func (g *Guard) check(ctx context.Context, req CheckRequest, spend bool) (CheckResult, error) {
	fl := g.flagsFor(req.Stage)
	user := decision.User{ID: req.UserID}
	products := dedupe(req.ProductIDs)

	if len(products) == 0 {
		d := g.engine.Decide(decision.Context{Flags: fl, User: user})
		g.observe(req, 0, d)
		return CheckResult{
			Allowed:   d.Allow,
			Decisions: []ProductDecision{{Decision: d}},
			Pending:   []Pending{},
		}, nil
	}

	snap := g.mappings.Load()
	mappings := make(map[int64]decision.Mapping, len(products))
	gated := make([]int64, 0, len(products))
	for _, pid := range products {
		m := snap.Lookup(pid)
		mappings[pid] = m
		if m.Active {
			gated = append(gated, pid)
		}
	}

	// Stores are only consulted when a decision could depend on them.
	solved := map[int64]bool{}
	valid := map[int64]bool{}
	if fl[flags.EnforceCheckout] && len(gated) > 0 {
		var err error
		if solved, err = session.SolvedMap(ctx, g.sessions, req.SessionID, gated); err != nil {
			return CheckResult{}, fmt.Errorf("load session state: %w", err)
		}
		if valid, err = g.completions.ValidMap(ctx, req.UserID, gated); err != nil {
			return CheckResult{}, fmt.Errorf("load completions: %w", err)
		}
	}

	res := CheckResult{Allowed: true, Decisions: make([]ProductDecision, 0, len(products)), Pending: []Pending{}}
	var uses []tokenUse
	for _, pid := range products {
		tok, key, err := g.verifiedToken(ctx, req, pid, mappings[pid], fl)
		if err != nil {
			return CheckResult{}, err
		}
		c := decision.Context{
			Flags:    fl,
			Cart:     decision.Cart{ProductID: decision.ProductID(pid)},
			User:     user,
			Query:    decision.Query{TempToken: tok},
			Session:  decision.Session{Solved: solved},
			UserMeta: decision.UserMeta{OK: valid},
			Mapping:  mappings[pid],
		}
		d := g.engine.Decide(c)
		g.observe(req, pid, d)
		if d.Reason == decision.ReasonTempToken {
			uses = append(uses, tokenUse{index: len(res.Decisions), ctx: c, key: key})
		}
		res.Decisions = append(res.Decisions, ProductDecision{ProductID: pid, Decision: d})
		if !d.Allow {
			res.block(pid, d, req.ReturnURL)
		}
	}

	if !spend || !res.Allowed {
		return res, nil
	}
	for _, u := range uses {
		fresh, err := g.nonces.Consume(ctx, u.key, g.tokens.TTL())
		if err != nil {
			return CheckResult{}, fmt.Errorf("spend token: %w", err)
		}
		if fresh {
			continue
		}
		// lost a race with a concurrent order: decide again without the token
		u.ctx.Query.TempToken = ""
		pid := res.Decisions[u.index].ProductID
		d := g.engine.Decide(u.ctx)
		g.observe(req, pid, d)
		res.Decisions[u.index].Decision = d
		if !d.Allow {
			res.block(pid, d, req.ReturnURL)
		}
	}
	return res, nil
}

// block records a product that still needs its test.
func (res *CheckResult) block(productID int64, d decision.Decision, returnURL string) {
	res.Allowed = false
	p := Pending{ProductID: productID}
	if d.RedirectURL != nil {
		p.TestURL = testLink(*d.RedirectURL, productID, returnURL)
		if res.RedirectURL == nil {
			u := p.TestURL
			res.RedirectURL = &u
		}
	}
	res.Pending = append(res.Pending, p)
}

// Complete records a passed test: the session mark, the durable completion
// for signed-in users, and a fresh proof token.
func (g *Guard) Complete(ctx context.Context, req CompleteRequest) (CompleteResult, error) {
	if req.ProductID <= 0 {
		return CompleteResult{}, fmt.Errorf("%w: product_id must be positive", ErrInvalidRequest)
	}
	if err := g.sessions.SetSolved(ctx, req.SessionID, req.ProductID, g.sessionTTL); err != nil {
		if errors.Is(err, session.ErrInvalidSession) {
			return CompleteResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return CompleteResult{}, fmt.Errorf("mark session solved: %w", err)
	}
	if _, err := g.completions.Mark(ctx, req.UserID, req.ProductID); err != nil {
		return CompleteResult{}, fmt.Errorf("record completion: %w", err)
	}

	tok, err := g.tokens.Issue(req.UserID, req.ProductID)
	if err != nil {
		return CompleteResult{}, fmt.Errorf("issue token: %w", err)
	}
	claims, err := g.tokens.Verify(tok, req.UserID, req.ProductID)
	if err != nil {
		return CompleteResult{}, fmt.Errorf("issue token: %w", err)
	}

	telemetry.TestsCompleted.Inc()
	g.logger.Info().
		Str("session_id", req.SessionID).
		Int64("user_id", req.UserID).
		Int64("product_id", req.ProductID).
		Msg("test completed")

	return CompleteResult{Token: tok, ExpiresAt: claims.IssuedAt.Add(g.tokens.TTL())}, nil
}

// Reset clears the session mark and the durable completion of a product.
// An empty session ID or a non-positive user ID skips that half.
func (g *Guard) Reset(ctx context.Context, sessionID string, userID, productID int64) error {
	if sessionID != "" {
		if err := g.sessions.Unset(ctx, sessionID, productID); err != nil {
			return fmt.Errorf("unset session mark: %w", err)
		}
	}
	if userID > 0 {
		if err := g.completions.Store().Delete(ctx, userID, productID); err != nil {
			return fmt.Errorf("delete completion: %w", err)
		}
	}
	g.logger.Info().
		Str("session_id", sessionID).
		Int64("user_id", userID).
		Int64("product_id", productID).
		Msg("validation reset")
	return nil
}

// flagsFor folds enforce_cart into the master switch for cart-page checks.
func (g *Guard) flagsFor(stage Stage) decision.Flags {
	fl := g.flags.Snapshot()
	if stage == StageCart {
		fl[flags.EnforceCheckout] = fl[flags.EnforceCheckout] && fl[flags.EnforceCart]
	}
	return fl
}

// verifiedToken returns the request token and its spend key only when it
// verifies for this exact user and product and has not been spent. Tokens
// are not looked at when enforcement is off.
func (g *Guard) verifiedToken(ctx context.Context, req CheckRequest, productID int64, m decision.Mapping, fl decision.Flags) (string, string, error) {
	if req.Token == "" || !m.Active || !fl[flags.EnforceCheckout] {
		return "", "", nil
	}
	claims, err := g.tokens.Verify(req.Token, req.UserID, productID)
	if err != nil {
		g.logger.Debug().
			Err(err).
			Int64("user_id", req.UserID).
			Int64("product_id", productID).
			Msg("token rejected")
		return "", "", nil
	}
	key := token.SpendKey(claims)
	spent, err := g.nonces.Spent(ctx, key)
	if err != nil {
		return "", "", fmt.Errorf("check token: %w", err)
	}
	if spent {
		g.logger.Info().
			Int64("user_id", req.UserID).
			Int64("product_id", productID).
			Str("session_id", req.SessionID).
			Msg("spent token replayed")
		return "", "", nil
	}
	return req.Token, key, nil
}

func (g *Guard) observe(req CheckRequest, productID int64, d decision.Decision) {
	telemetry.CheckoutDecisions.WithLabelValues(string(d.Reason)).Inc()

	ev := g.logger.Debug()
	if d.Blocked() {
		ev = g.logger.Info()
	}
	ev.Str("reason", string(d.Reason)).
		Bool("allow", d.Allow).
		Int64("product_id", productID).
		Int64("user_id", req.UserID).
		Str("session_id", req.SessionID).
		Msg(d.Message())
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// testLink decorates a test page URL with the product and the page to come
// back to. Unparseable URLs are returned unchanged.
func testLink(raw string, productID int64, returnURL string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set(ParamProductID, strconv.FormatInt(productID, 10))
	if returnURL != "" {
		q.Set(ParamReturn, returnURL)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
