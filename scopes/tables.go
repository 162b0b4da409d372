package scopes

import "strings"

// Group keys used by the default tables.
const (
	GroupIdentity   = "identity"
	GroupProfile    = "profile"
	GroupEvents     = "events"
	GroupGroups     = "groups"
	GroupFavorites  = "favorites"
	GroupPortfolio  = "portfolio"
	GroupManagement = "management"
	GroupAdmin      = "admin"
	GroupOffline    = "offline"
)

// ScopeAdmin is the only role-gated scope in the default tables.
const ScopeAdmin = "admin"

// Display is the human-readable rendering of one group.
type Display struct {
	Label       string
	Icon        string
	Description string
}

// Describer resolves the display triple for a group from the raw scopes
// that were requested for it.
type Describer func(seen Set) Display

// Tables is the injected configuration of a Classifier.
type Tables struct {
	// GroupOf maps a raw scope string to its group key. Scopes missing from
	// the table are ignored when grouping.
	GroupOf map[string]string
	// Order is the display order per group key. Unknown keys sort last.
	Order map[string]int
	// Describe resolves labels and descriptions per group key.
	Describe map[string]Describer
	// RoleGated lists scopes that only the given roles may grant.
	RoleGated map[string][]string
}

// DefaultTables returns the Tampa.dev scope tables, including legacy aliases.
//
// RoleGated mirrors the filter the API applies when it completes a grant.
// Both must change together or the consent screen will show scopes the
// backend refuses (or hide ones it grants).
func DefaultTables() Tables {
	return Tables{
		GroupOf: map[string]string{
			"openid": GroupIdentity,

			"profile":    GroupProfile,
			"user":       GroupProfile,
			"read:user":  GroupProfile,
			"user:email": GroupProfile,
			"email":      GroupProfile,
			"write:user": GroupProfile,
			"user:write": GroupProfile,

			"read:events": GroupEvents,
			"events:read": GroupEvents,

			"read:groups": GroupGroups,
			"groups:read": GroupGroups,

			"read:favorites":  GroupFavorites,
			"favorites:read":  GroupFavorites,
			"write:favorites": GroupFavorites,
			"favorites:write": GroupFavorites,

			"read:portfolio":  GroupPortfolio,
			"portfolio:read":  GroupPortfolio,
			"write:portfolio": GroupPortfolio,
			"portfolio:write": GroupPortfolio,

			"manage:groups":   GroupManagement,
			"manage:events":   GroupManagement,
			"manage:checkins": GroupManagement,
			"manage:badges":   GroupManagement,

			ScopeAdmin: GroupAdmin,

			"offline_access": GroupOffline,
		},
		Order: map[string]int{
			GroupIdentity:   0,
			GroupProfile:    1,
			GroupEvents:     2,
			GroupGroups:     3,
			GroupFavorites:  4,
			GroupPortfolio:  5,
			GroupManagement: 6,
			GroupAdmin:      7,
			GroupOffline:    8,
		},
		Describe: map[string]Describer{
			GroupIdentity: fixed(Display{
				Label:       "Verify your identity",
				Icon:        "fingerprint",
				Description: "Confirm who you are using your Tampa.dev account.",
			}),
			GroupProfile: readWrite("Your Profile", "user",
				"Read your name, username, avatar, and email address.",
				"Read and update your profile, including your name, bio, and avatar.",
				"write:user", "user:write"),
			GroupEvents: fixed(Display{
				Label:       "Events",
				Icon:        "calendar",
				Description: "View events, RSVPs, and your event attendance.",
			}),
			GroupGroups: fixed(Display{
				Label:       "Groups",
				Icon:        "users",
				Description: "View groups and your group memberships.",
			}),
			GroupFavorites: readWrite("Favorites", "heart",
				"View your favorite groups and events.",
				"View and manage your favorite groups and events.",
				"write:favorites", "favorites:write"),
			GroupPortfolio: readWrite("Portfolio", "briefcase",
				"View your portfolio items.",
				"View and manage your portfolio items.",
				"write:portfolio", "portfolio:write"),
			GroupManagement: describeManagement,
			GroupAdmin: fixed(Display{
				Label:       "Administrator access",
				Icon:        "shield",
				Description: "Full administrative access to the platform, including users, groups, and events.",
			}),
			GroupOffline: fixed(Display{
				Label:       "Stay signed in",
				Icon:        "refresh",
				Description: "Keep access when you are not actively using the app.",
			}),
		},
		RoleGated: map[string][]string{
			ScopeAdmin: {"admin", "superadmin"},
		},
	}
}

// WithAliases returns a copy of t with extra scope to group mappings. Aliases
// never override an existing entry, so a scope still maps to one group.
func (t Tables) WithAliases(aliases map[string]string) Tables {
	out := t
	out.GroupOf = make(map[string]string, len(t.GroupOf)+len(aliases))
	for k, v := range t.GroupOf {
		out.GroupOf[k] = v
	}
	for scope, group := range aliases {
		if _, exists := out.GroupOf[scope]; exists {
			continue
		}
		out.GroupOf[scope] = group
	}
	return out
}

func fixed(d Display) Describer {
	return func(Set) Display { return d }
}

func readWrite(label, icon, readDesc, writeDesc string, writeScopes ...string) Describer {
	return func(seen Set) Display {
		d := Display{Label: label, Icon: icon, Description: readDesc}
		if seen.HasAny(writeScopes...) {
			d.Description = writeDesc
		}
		return d
	}
}

var managementCapabilities = []struct {
	scope string
	noun  string
}{
	{"manage:groups", "groups"},
	{"manage:events", "events"},
	{"manage:checkins", "check-ins"},
	{"manage:badges", "badges"},
}

func describeManagement(seen Set) Display {
	nouns := make([]string, 0, len(managementCapabilities))
	for _, c := range managementCapabilities {
		if seen.Has(c.scope) {
			nouns = append(nouns, c.noun)
		}
	}
	desc := "Manage content on your behalf."
	if len(nouns) > 0 {
		desc = "Manage " + joinWithAnd(nouns) + " on your behalf."
	}
	return Display{Label: "Management", Icon: "settings", Description: desc}
}

// joinWithAnd renders ["a","b","c"] as "a, b and c".
func joinWithAnd(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	}
	return strings.Join(items[:len(items)-1], ", ") + " and " + items[len(items)-1]
}
