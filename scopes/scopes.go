// Package scopes turns raw OAuth scope strings into the permission groups
// shown on the consent screen.
package scopes

import (
	"math"
	"slices"
	"sort"
	"strings"
)

// Group is one row of the consent screen.
type Group struct {
	Key         string
	Label       string
	Icon        string
	Description string
	Order       int
	// Scopes lists the distinct raw scopes that mapped to this group, sorted.
	Scopes []string
}

// Set is an unordered set of raw scope strings.
type Set map[string]struct{}

// NewSet builds a set from a list.
func NewSet(items ...string) Set {
	s := make(Set, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}

// Has reports whether scope is in the set.
func (s Set) Has(scope string) bool {
	_, ok := s[scope]
	return ok
}

// HasAny reports whether any of the given scopes is in the set.
func (s Set) HasAny(scopes ...string) bool {
	for _, sc := range scopes {
		if s.Has(sc) {
			return true
		}
	}
	return false
}

// Classifier applies a fixed set of Tables. It holds no mutable state and is
// safe for concurrent use.
type Classifier struct {
	tables Tables
}

// New returns a classifier over the given tables.
func New(t Tables) *Classifier {
	return &Classifier{tables: t}
}

// Default returns a classifier over DefaultTables.
func Default() *Classifier {
	return New(DefaultTables())
}

// FilterForRole drops role-gated scopes the role may not grant. All other
// scopes pass through with order and duplicates preserved.
func (c *Classifier) FilterForRole(raw []string, role string) []string {
	out := make([]string, 0, len(raw))
	for _, sc := range raw {
		if roles, gated := c.tables.RoleGated[sc]; gated && !slices.Contains(roles, role) {
			continue
		}
		out = append(out, sc)
	}
	return out
}

// Group maps scopes to ordered display groups, one per distinct group key.
// Scopes without a table entry are ignored.
func (c *Classifier) Group(scopes []string) []Group {
	type acc struct {
		seen Set
		raw  []string
	}
	var keys []string
	byKey := map[string]*acc{}

	for _, sc := range scopes {
		key, ok := c.tables.GroupOf[sc]
		if !ok {
			continue
		}
		a, ok := byKey[key]
		if !ok {
			a = &acc{seen: Set{}}
			byKey[key] = a
			keys = append(keys, key)
		}
		if a.seen.Has(sc) {
			continue
		}
		a.seen[sc] = struct{}{}
		a.raw = append(a.raw, sc)
	}

	groups := make([]Group, 0, len(keys))
	for _, key := range keys {
		a := byKey[key]
		sort.Strings(a.raw)
		d := c.describe(key, a.seen)
		groups = append(groups, Group{
			Key:         key,
			Label:       d.Label,
			Icon:        d.Icon,
			Description: d.Description,
			Order:       c.order(key),
			Scopes:      a.raw,
		})
	}

	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].Order < groups[j].Order
	})
	return groups
}

// Known reports whether scope maps to a group.
func (c *Classifier) Known(scope string) bool {
	_, ok := c.tables.GroupOf[scope]
	return ok
}

func (c *Classifier) order(key string) int {
	if o, ok := c.tables.Order[key]; ok {
		return o
	}
	return math.MaxInt
}

func (c *Classifier) describe(key string, seen Set) Display {
	if fn, ok := c.tables.Describe[key]; ok && fn != nil {
		return fn(seen)
	}
	return Display{Label: titleCase(key), Icon: "key", Description: "Access " + key + " on your behalf."}
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
