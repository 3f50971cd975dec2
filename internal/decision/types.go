package decision

// Reason identifies which rule produced a Decision.
type Reason string

const (
	ReasonFlagOff      Reason = "flag_off"
	ReasonNoProduct    Reason = "no_product"
	ReasonNoMapping    Reason = "no_mapping"
	ReasonTempToken    Reason = "temp_token"
	ReasonSessionOK    Reason = "session_ok"
	ReasonUserMetaOK   Reason = "usermeta_ok"
	ReasonNoValidation Reason = "no_validation"
)

// FlagEnforceCheckout is the master switch for checkout gating.
const FlagEnforceCheckout = "enforce_checkout"

// Detail keys carried in Decision.Details.
const (
	DetailMessage   = "message"
	DetailProductID = "product_id"
	DetailUserID    = "user_id"
	DetailToken     = "token"
	DetailTestURL   = "test_url"
)

// Flags maps feature-flag names to their state. Missing names read as false.
type Flags map[string]bool

// Cart carries the single product under consideration.
type Cart struct {
	ProductID *int64 `json:"product_id,omitempty"`
}

// User identifies the buyer. ID 0 means anonymous.
type User struct {
	ID int64 `json:"id"`
}

// Query holds request-derived proof. TempToken must only be set once the
// token has been verified for this user and product.
type Query struct {
	TempToken string `json:"temp_token,omitempty"`
}

// Session holds short-lived per-visitor validation state.
type Session struct {
	Solved map[int64]bool `json:"solved,omitempty"`
}

// UserMeta holds durable per-user validation state. Entries must already be
// filtered by the freshness window: an expired record is false here.
type UserMeta struct {
	OK map[int64]bool `json:"ok,omitempty"`
}

// Mapping describes whether the product requires a test and where it lives.
type Mapping struct {
	Active      bool    `json:"active"`
	TestPageURL *string `json:"test_page_url,omitempty"`
}

// Context is the complete input of one decision. The zero value of every
// field is a valid default.
type Context struct {
	Flags    Flags    `json:"flags,omitempty"`
	Cart     Cart     `json:"cart"`
	User     User     `json:"user"`
	Query    Query    `json:"query"`
	Session  Session  `json:"session"`
	UserMeta UserMeta `json:"usermeta"`
	Mapping  Mapping  `json:"mapping"`
}

// Decision is the immutable outcome of Decide.
type Decision struct {
	Allow       bool           `json:"allow"`
	Reason      Reason         `json:"reason"`
	RedirectURL *string        `json:"redirect_url"`
	Details     map[string]any `json:"details,omitempty"`
}
