package audit

// Role is a name in the ordered privilege hierarchy.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleEngineer Role = "engineer"
	RoleRALead   Role = "ra_lead"
	RoleAdmin    Role = "admin"
)

// roleRank orders the hierarchy; higher rank means more privilege. Unknown
// roles have no rank and are always denied.
var roleRank = map[Role]int{
	RoleViewer:   0,
	RoleEngineer: 1,
	RoleRALead:   2,
	RoleAdmin:    3,
}

// KnownRole reports whether r is in the hierarchy.
func KnownRole(r Role) bool {
	_, ok := roleRank[r]
	return ok
}

type policyKey struct {
	Action     Action
	RecordType string
}

// Policy answers authorization queries: a user may perform an action when
// their role's rank meets the minimum required for that action, optionally
// refined per record type.
type Policy struct {
	defaults  map[Action]Role
	overrides map[policyKey]Role
}

// NewPolicy returns the default policy table.
func NewPolicy() *Policy {
	return &Policy{
		defaults: map[Action]Role{
			ActionRead:         RoleViewer,
			ActionCreate:       RoleEngineer,
			ActionUpdate:       RoleEngineer,
			ActionExport:       RoleEngineer,
			ActionSign:         RoleRALead,
			ActionApprove:      RoleRALead,
			ActionReject:       RoleRALead,
			ActionDelete:       RoleAdmin,
			ActionLogin:        RoleViewer,
			ActionLogout:       RoleViewer,
			ActionAccessDenied: RoleViewer,
		},
		overrides: map[policyKey]Role{},
	}
}

// Require sets a record-type-specific minimum role for an action.
func (p *Policy) Require(action Action, recordType string, min Role) {
	p.overrides[policyKey{Action: action, RecordType: recordType}] = min
}

// Authorize reports whether userRole may perform action on recordType.
// Unknown roles or actions fail closed.
func (p *Policy) Authorize(userRole Role, action Action, recordType string) bool {
	userRank, ok := roleRank[userRole]
	if !ok {
		return false
	}
	required, ok := p.requiredRole(action, recordType)
	if !ok {
		return false
	}
	return userRank >= roleRank[required]
}

func (p *Policy) requiredRole(action Action, recordType string) (Role, bool) {
	if recordType != "" {
		if min, ok := p.overrides[policyKey{Action: action, RecordType: recordType}]; ok {
			return min, true
		}
	}
	min, ok := p.defaults[action]
	return min, ok
}
