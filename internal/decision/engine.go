// Package decision decides whether a buyer may proceed to payment for a
// product, given pre-fetched flag, cart, user, token, session, durable
// validation and mapping state.
//
// The decision is a pure function of its Context: no clock, store or logger
// is consulted, so it is safe to call once per cart line, concurrently, or
// speculatively.
package decision

// Engine is a stateless handle on Decide, convenient for injection.
type Engine struct{}

// NewEngine returns an Engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Decide evaluates c. See the package-level Decide.
func (e *Engine) Decide(c Context) Decision {
	return Decide(c)
}

// Decide applies the gating rules in order; the first match wins:
//
//  1. enforcement flag off        -> allow (flag_off)
//  2. no product                  -> allow (no_product)
//  3. product has no active test  -> allow (no_mapping)
//  4. verified temporary token    -> allow (temp_token)
//  5. solved in session           -> allow (session_ok)
//  6. fresh durable validation    -> allow (usermeta_ok), signed-in users only
//  7. otherwise                   -> block (no_validation) with the test page URL
func Decide(c Context) Decision {
	if !c.Flags[FlagEnforceCheckout] {
		return Allow(ReasonFlagOff, map[string]any{
			DetailMessage: "checkout enforcement disabled",
		})
	}

	if c.Cart.ProductID == nil || *c.Cart.ProductID == 0 {
		return Allow(ReasonNoProduct, map[string]any{
			DetailMessage: "no product in cart",
		})
	}

	productID := *c.Cart.ProductID
	userID := c.User.ID

	if !c.Mapping.Active {
		return Allow(ReasonNoMapping, map[string]any{
			DetailMessage:   "no active test mapping for product",
			DetailProductID: productID,
		})
	}

	if c.Query.TempToken != "" {
		return Allow(ReasonTempToken, map[string]any{
			DetailMessage: "temporary token accepted",
			DetailToken:   c.Query.TempToken,
		})
	}

	if c.Session.Solved[productID] {
		return Allow(ReasonSessionOK, map[string]any{
			DetailMessage:   "test solved in session",
			DetailProductID: productID,
		})
	}

	// Durable validation is identity-bound.
	if c.UserMeta.OK[productID] && userID > 0 {
		return Allow(ReasonUserMetaOK, map[string]any{
			DetailMessage:   "test validated for user",
			DetailProductID: productID,
			DetailUserID:    userID,
		})
	}

	testURL := cloneString(c.Mapping.TestPageURL)
	details := map[string]any{
		DetailMessage:   "positioning test required",
		DetailProductID: productID,
		DetailUserID:    userID,
		DetailTestURL:   nil,
	}
	if testURL != nil {
		details[DetailTestURL] = *testURL
	}
	return Block(ReasonNoValidation, testURL, details)
}

// Allow builds an allowing decision. Allowing decisions never carry a
// redirect.
func Allow(reason Reason, details map[string]any) Decision {
	return Decision{Allow: true, Reason: reason, Details: details}
}

// Block builds a blocking decision.
func Block(reason Reason, redirectURL *string, details map[string]any) Decision {
	return Decision{Allow: false, Reason: reason, RedirectURL: redirectURL, Details: details}
}

// Allowed reports whether checkout may proceed.
func (d Decision) Allowed() bool { return d.Allow }

// Blocked reports whether checkout must stop.
func (d Decision) Blocked() bool { return !d.Allow }

// Message returns the human-readable message from Details, falling back to
// the reason code.
func (d Decision) Message() string {
	if msg, ok := d.Details[DetailMessage].(string); ok && msg != "" {
		return msg
	}
	return "decision: " + string(d.Reason)
}

// ToMap flattens the decision for logging and audit payloads.
func (d Decision) ToMap() map[string]any {
	m := map[string]any{
		"allow":        d.Allow,
		"reason":       string(d.Reason),
		"redirect_url": nil,
		"details":      d.Details,
	}
	if d.RedirectURL != nil {
		m["redirect_url"] = *d.RedirectURL
	}
	return m
}

// ProductID returns a pointer suitable for Cart.ProductID.
func ProductID(id int64) *int64 {
	return &id
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
