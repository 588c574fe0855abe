package views

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/pawtograder/staging/core/staging"
)

// Preview returns the roster that publishing `intents` onto `roster` would produce.
// Staged groups have no id yet and get negative ones, in staging order.
func Preview(roster []staging.Group, intents []staging.GroupIntent) []staging.Group {
	groups := make([]*staging.Group, 0, len(roster)+len(intents))
	byID := make(map[int64]*staging.Group, len(roster))
	for _, g := range roster {
		cp := staging.Group{ID: g.ID, Name: g.Name, MemberIDs: append([]string(nil), g.MemberIDs...)}
		groups = append(groups, &cp)
		byID[cp.ID] = &cp
	}

	leave := func(subject string, from *int64) {
		for _, g := range groups {
			if from != nil && g.ID != *from {
				continue
			}
			g.MemberIDs = without(g.MemberIDs, subject)
		}
	}

	var nextID int64
	for _, in := range intents {
		switch in := in.(type) {
		case staging.GroupCreate:
			nextID--
			for _, sub := range in.MemberIDs {
				leave(sub, in.PriorGroup(sub))
			}
			g := &staging.Group{ID: nextID, Name: in.Name, MemberIDs: append([]string(nil), in.MemberIDs...)}
			groups = append(groups, g)
			byID[g.ID] = g
		case staging.MemberMove:
			leave(in.SubjectID, in.FromGroupID)
			if in.ToGroupID == nil {
				continue
			}
			g, ok := byID[*in.ToGroupID]
			if !ok {
				g = &staging.Group{ID: *in.ToGroupID, Name: fmt.Sprintf("group %d", *in.ToGroupID)}
				groups = append(groups, g)
				byID[g.ID] = g
			}
			g.MemberIDs = append(g.MemberIDs, in.SubjectID)
		}
	}

	out := make([]staging.Group, 0, len(groups))
	for _, g := range groups {
		sort.Strings(g.MemberIDs)
		out = append(out, *g)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Lines renders one line per group, e.g. "Alpha #12: s1, s2".
func Lines(groups []staging.Group) []string {
	lines := make([]string, 0, len(groups))
	for _, g := range groups {
		ref := fmt.Sprintf("#%d", g.ID)
		if g.ID < 0 {
			ref = "(new)"
		}
		members := "-"
		if len(g.MemberIDs) > 0 {
			members = strings.Join(g.MemberIDs, ", ")
		}
		lines = append(lines, fmt.Sprintf("%s %s: %s\n", g.Name, ref, members))
	}
	return lines
}

// Diff renders the change from `before` to `after` as a unified diff; it is empty when nothing changes.
func Diff(before, after []staging.Group) (string, error) {
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        Lines(Preview(before, nil)),
		B:        Lines(Preview(after, nil)),
		FromFile: "published",
		ToFile:   "staged",
		Context:  1,
	})
}

func without(ss []string, s string) []string {
	out := ss[:0]
	for _, v := range ss {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
