package model

// These errors indicate a malformed model.  They are user errors, not
// internal errors, and they are fatal for the current command: a malformed
// model must not silently produce partial state.

// BadModel occurs when a CaseDef is structurally wrong.
type BadModel struct {
	Def    *CaseDef
	Reason string
}

func (e *BadModel) Error() string {
	return `bad case definition "` + e.Def.Name + `": ` + e.Reason
}

// DuplicateId occurs when two definitions, plan items, or sentries share
// an id.
type DuplicateId struct {
	Def  *CaseDef
	What string
	Id   string
}

func (e *DuplicateId) Error() string {
	return `duplicate ` + e.What + ` id "` + e.Id + `" in case "` + e.Def.Name + `"`
}

// UnresolvedDefinition occurs when a plan item's definitionRef does not
// resolve in its stage's scope or any ancestor's.
type UnresolvedDefinition struct {
	Def    *CaseDef
	ItemId string
	Ref    string
}

func (e *UnresolvedDefinition) Error() string {
	return `plan item "` + e.ItemId + `" references unknown definition "` + e.Ref + `" in case "` + e.Def.Name + `"`
}

// UnresolvedSentry occurs when a criterion's sentryRef does not resolve.
type UnresolvedSentry struct {
	Def    *CaseDef
	ItemId string
	Ref    string
}

func (e *UnresolvedSentry) Error() string {
	return `plan item "` + e.ItemId + `" references unknown sentry "` + e.Ref + `" in case "` + e.Def.Name + `"`
}

// UnresolvedSource occurs when a sentry on-part's sourceRef does not name
// a plan item in the case.
type UnresolvedSource struct {
	Def      *CaseDef
	SentryId string
	Ref      string
}

func (e *UnresolvedSource) Error() string {
	return `sentry "` + e.SentryId + `" references unknown plan item "` + e.Ref + `" in case "` + e.Def.Name + `"`
}
