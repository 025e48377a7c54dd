package events

// filterKind enumerates the recipient filters.
type filterKind int

const (
	filterAllInterestedInSession filterKind = iota
	filterUserScopedOnly
	filterMachineScopedOnly
	filterAllAuthenticated
)

// Filter selects which of an account's connections receive an emit.
//
// Matching matrix by connection scope:
//
//	filter                          session    machine    user
//	AllInterestedInSession(sid)     id match   no         yes
//	UserScopedOnly()                no         no         yes
//	MachineScopedOnly(mid)          no         id match   yes
//	AllAuthenticated()              yes        yes        yes
//
// User-scoped connections are the dashboard and see everything addressed
// to the account; session- and machine-scoped connections only see their
// own resource's traffic.
type Filter struct {
	kind      filterKind
	sessionID string
	machineID string
}

// AllInterestedInSession matches user-scoped connections and the
// session-scoped connections for sid.
func AllInterestedInSession(sid string) Filter {
	return Filter{kind: filterAllInterestedInSession, sessionID: sid}
}

// UserScopedOnly matches user-scoped connections exclusively.
func UserScopedOnly() Filter {
	return Filter{kind: filterUserScopedOnly}
}

// MachineScopedOnly matches user-scoped connections and the
// machine-scoped connections for mid.
func MachineScopedOnly(mid string) Filter {
	return Filter{kind: filterMachineScopedOnly, machineID: mid}
}

// AllAuthenticated matches every connection of the account.
func AllAuthenticated() Filter {
	return Filter{kind: filterAllAuthenticated}
}

// Matches reports whether conn should receive an emit with this filter.
func (f Filter) Matches(conn *Connection) bool {
	switch f.kind {
	case filterAllInterestedInSession:
		switch conn.Scope {
		case ScopeUser:
			return true
		case ScopeSession:
			return conn.SessionID == f.sessionID
		default:
			return false
		}

	case filterUserScopedOnly:
		return conn.Scope == ScopeUser

	case filterMachineScopedOnly:
		switch conn.Scope {
		case ScopeUser:
			return true
		case ScopeMachine:
			return conn.MachineID == f.machineID
		default:
			return false
		}

	case filterAllAuthenticated:
		return true

	default:
		return false
	}
}
