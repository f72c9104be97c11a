// Copyright 2026 The Chime API Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"regexp"
	"sort"
	"strings"

	"github.com/fosschime/chime-api/lib/ref"
)

// Wire mention markup: <@member-id|display name>. The ids `all` and
// `present` are reserved broadcast mentions.
var inboundMentionPattern = regexp.MustCompile(`<@([\w\-]+)\|(.*?)>`)

// rewriteInboundMentions strips mention markup down to the display
// name, in bold.
//
//	<@75f5...|Jane Doe> becomes **Jane Doe**
//	<@all|All Members>  becomes **All Members**
func rewriteInboundMentions(text string) string {
	return inboundMentionPattern.ReplaceAllString(text, "**$2**")
}

// mentionsProfile reports whether the raw wire payload mentions the
// given profile, directly or via a broadcast mention. Checked against
// the payload before markup is rewritten.
func mentionsProfile(raw string, profileID ref.ProfileID) bool {
	return strings.Contains(raw, profileID.String()) ||
		strings.Contains(raw, "<@all|") ||
		strings.Contains(raw, "<@present|")
}

// mentionTarget is one literal the outbound expander rewrites into
// wire markup.
type mentionTarget struct {
	literal     string
	replacement string
}

// expandOutboundMentions rewrites @all, @present, and literal member
// display names in an outbound message into wire mention markup.
//
// Matching is longest-literal-first and position-disjoint: when one
// member's display name is a substring of another's, the longer name
// wins at each position, and text already claimed by a match is never
// rewritten again. Display names tie-break lexicographically so
// expansion is deterministic.
func expandOutboundMentions(text string, members []Member) string {
	targets := []mentionTarget{
		{literal: "@all", replacement: "<@all|All Members>"},
		{literal: "@present", replacement: "<@present|Present Members>"},
	}
	for _, member := range members {
		if member.DisplayName == "" {
			continue
		}
		targets = append(targets, mentionTarget{
			literal:     member.DisplayName,
			replacement: "<@" + member.ID.String() + "|" + member.DisplayName + ">",
		})
	}
	sort.SliceStable(targets, func(i, j int) bool {
		if len(targets[i].literal) != len(targets[j].literal) {
			return len(targets[i].literal) > len(targets[j].literal)
		}
		return targets[i].literal < targets[j].literal
	})

	type span struct {
		start, end  int
		replacement string
	}
	var claimed []span
	overlaps := func(start, end int) bool {
		for _, s := range claimed {
			if start < s.end && s.start < end {
				return true
			}
		}
		return false
	}

	for _, target := range targets {
		from := 0
		for {
			i := strings.Index(text[from:], target.literal)
			if i < 0 {
				break
			}
			start := from + i
			end := start + len(target.literal)
			if !overlaps(start, end) {
				claimed = append(claimed, span{start: start, end: end, replacement: target.replacement})
			}
			from = end
		}
	}
	if len(claimed) == 0 {
		return text
	}

	sort.Slice(claimed, func(i, j int) bool { return claimed[i].start < claimed[j].start })
	var b strings.Builder
	prev := 0
	for _, s := range claimed {
		b.WriteString(text[prev:s.start])
		b.WriteString(s.replacement)
		prev = s.end
	}
	b.WriteString(text[prev:])
	return b.String()
}
