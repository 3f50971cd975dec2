package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

// scenarioA is the baseline: enforced, mapped product, nothing validated.
func scenarioA() Context {
	return Context{
		Flags:    Flags{FlagEnforceCheckout: true},
		Cart:     Cart{ProductID: ProductID(123)},
		User:     User{ID: 42},
		Mapping:  Mapping{Active: true, TestPageURL: strPtr("/test-positionnement-123")},
		Session:  Session{Solved: map[int64]bool{123: false}},
		UserMeta: UserMeta{OK: map[int64]bool{123: false}},
	}
}

func TestDecide_Scenarios(t *testing.T) {
	t.Run("A blocks without validation", func(t *testing.T) {
		got := Decide(scenarioA())
		assert.False(t, got.Allow)
		assert.Equal(t, ReasonNoValidation, got.Reason)
		require.NotNil(t, got.RedirectURL)
		assert.Equal(t, "/test-positionnement-123", *got.RedirectURL)
	})

	t.Run("B session solved", func(t *testing.T) {
		c := scenarioA()
		c.Session.Solved[123] = true
		got := Decide(c)
		assert.True(t, got.Allow)
		assert.Equal(t, ReasonSessionOK, got.Reason)
		assert.Nil(t, got.RedirectURL)
	})

	t.Run("C temporary token", func(t *testing.T) {
		c := scenarioA()
		c.Query.TempToken = "abc123"
		got := Decide(c)
		assert.True(t, got.Allow)
		assert.Equal(t, ReasonTempToken, got.Reason)
		assert.Equal(t, "abc123", got.Details[DetailToken])
	})

	t.Run("D enforcement off", func(t *testing.T) {
		c := scenarioA()
		c.Flags[FlagEnforceCheckout] = false
		got := Decide(c)
		assert.True(t, got.Allow)
		assert.Equal(t, ReasonFlagOff, got.Reason)
	})

	t.Run("E products are independent", func(t *testing.T) {
		solved := map[int64]bool{123: true, 456: false}
		base := scenarioA()
		base.Session.Solved = solved

		first := base
		first.Cart = Cart{ProductID: ProductID(123)}
		second := base
		second.Cart = Cart{ProductID: ProductID(456)}

		assert.True(t, Decide(first).Allow)

		blocked := Decide(second)
		assert.False(t, blocked.Allow)
		assert.Equal(t, int64(456), blocked.Details[DetailProductID])
	})
}

func TestDecide_RuleTable(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Context)
		allow  bool
		reason Reason
	}{
		{
			name:   "zero context is flag_off",
			mutate: func(c *Context) { *c = Context{} },
			allow:  true,
			reason: ReasonFlagOff,
		},
		{
			name:   "nil product",
			mutate: func(c *Context) { c.Cart.ProductID = nil },
			allow:  true,
			reason: ReasonNoProduct,
		},
		{
			name:   "zero product id",
			mutate: func(c *Context) { c.Cart.ProductID = ProductID(0) },
			allow:  true,
			reason: ReasonNoProduct,
		},
		{
			name:   "inactive mapping",
			mutate: func(c *Context) { c.Mapping.Active = false },
			allow:  true,
			reason: ReasonNoMapping,
		},
		{
			name: "token beats session",
			mutate: func(c *Context) {
				c.Query.TempToken = "tok"
				c.Session.Solved[123] = true
			},
			allow:  true,
			reason: ReasonTempToken,
		},
		{
			name: "session beats usermeta",
			mutate: func(c *Context) {
				c.Session.Solved[123] = true
				c.UserMeta.OK[123] = true
			},
			allow:  true,
			reason: ReasonSessionOK,
		},
		{
			name:   "usermeta for signed-in user",
			mutate: func(c *Context) { c.UserMeta.OK[123] = true },
			allow:  true,
			reason: ReasonUserMetaOK,
		},
		{
			name: "usermeta ignored for anonymous user",
			mutate: func(c *Context) {
				c.UserMeta.OK[123] = true
				c.User.ID = 0
			},
			allow:  false,
			reason: ReasonNoValidation,
		},
		{
			name: "usermeta ignored for negative user id",
			mutate: func(c *Context) {
				c.UserMeta.OK[123] = true
				c.User.ID = -1
			},
			allow:  false,
			reason: ReasonNoValidation,
		},
		{
			name: "nil maps default to false",
			mutate: func(c *Context) {
				c.Session.Solved = nil
				c.UserMeta.OK = nil
			},
			allow:  false,
			reason: ReasonNoValidation,
		},
		{
			name:   "validation for another product does not leak",
			mutate: func(c *Context) { c.Session.Solved[999] = true },
			allow:  false,
			reason: ReasonNoValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := scenarioA()
			tt.mutate(&c)
			got := Decide(c)
			assert.Equal(t, tt.allow, got.Allow)
			assert.Equal(t, tt.reason, got.Reason)
			if got.Allow {
				assert.Nil(t, got.RedirectURL, "allowing decisions never redirect")
			}
		})
	}
}

func TestDecide_MasterSwitchIgnoresEverythingElse(t *testing.T) {
	c := scenarioA()
	c.Flags = Flags{"enforce_cart": true}
	c.Query.TempToken = "tok"
	c.Cart.ProductID = nil

	got := Decide(c)
	assert.True(t, got.Allow)
	assert.Equal(t, ReasonFlagOff, got.Reason)
}

func TestDecide_BlockWithoutTestURL(t *testing.T) {
	c := scenarioA()
	c.Mapping.TestPageURL = nil

	got := Decide(c)
	assert.False(t, got.Allow)
	assert.Equal(t, ReasonNoValidation, got.Reason)
	assert.Nil(t, got.RedirectURL)
	assert.Nil(t, got.Details[DetailTestURL])
	assert.Equal(t, int64(42), got.Details[DetailUserID])
}

func TestDecide_Deterministic(t *testing.T) {
	c := scenarioA()
	first := Decide(c)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Decide(c))
	}
}

func TestDecide_RedirectIsNotAliased(t *testing.T) {
	c := scenarioA()
	got := Decide(c)
	*c.Mapping.TestPageURL = "/changed"

	require.NotNil(t, got.RedirectURL)
	assert.Equal(t, "/test-positionnement-123", *got.RedirectURL)
}

func TestEngine_DelegatesToDecide(t *testing.T) {
	c := scenarioA()
	assert.Equal(t, Decide(c), NewEngine().Decide(c))
}

func TestDecision_Helpers(t *testing.T) {
	blocked := Decide(scenarioA())
	assert.True(t, blocked.Blocked())
	assert.False(t, blocked.Allowed())
	assert.Equal(t, "positioning test required", blocked.Message())

	m := blocked.ToMap()
	assert.Equal(t, false, m["allow"])
	assert.Equal(t, "no_validation", m["reason"])
	assert.Equal(t, "/test-positionnement-123", m["redirect_url"])

	bare := Allow(ReasonSessionOK, nil)
	assert.Equal(t, "decision: session_ok", bare.Message())
	assert.Nil(t, bare.ToMap()["redirect_url"])
}
