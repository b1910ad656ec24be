package translator

import "github.com/google/uuid"

// Context carries the session's identifiers and chosen variant across a
// call's translations (spec §4.G: "a TranslationContext carrying the
// session's identifiers and chosen variant"). A session's first
// translation fixes Variant for the call's remaining lifetime.
type Context struct {
	Variant   Variant
	CallRef   string
	CIC       uint16
	HasCIC    bool
	SIPCallID string
	RTPPort   uint16
}

// NewContext starts a context with a freshly generated SIP Call-ID; the
// caller overwrites it if translating in the SIP-to-TDM direction, where
// the Call-ID already exists.
func NewContext(variant Variant) Context {
	return Context{Variant: variant, SIPCallID: uuid.NewString()}
}
