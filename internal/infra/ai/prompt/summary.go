package prompt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dtrovato997/speechanalysis/internal/domain/analysis"
)

// GetSystemPrompt pins the model to a short hedged plain-text register.
func GetSystemPrompt() string {
	return `You are a voice analysis assistant. You receive machine estimates (age, gender, nationality, emotion) for one voice recording and write a short profile of the speaker.

Requirements:
- Plain text only: no markdown, no lists, no JSON.
- Three sentences at most.
- The estimates are statistical, not facts. Use hedged phrasing ("sounds like", "most likely") and say so when a channel is marked uncertain.
- If a channel is absent from the input, skip it; never invent values.`
}

// GetUserPrompt renders the record's channel results as compact ranked lines.
// Only channels the backend actually produced are included.
func GetUserPrompt(a *analysis.Analysis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Recording %q", a.Title)
	if a.CompletionDate != nil {
		fmt.Fprintf(&b, ", analyzed %s", a.CompletionDate.Format("2006-01-02"))
	}
	b.WriteString(".\n")

	for _, ch := range analysis.Channels() {
		r := a.Result(ch)
		if r == nil || len(r.Values) == 0 {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", channelLabel(ch), describeChannel(ch, r))
	}
	if len(a.Tags) > 0 {
		fmt.Fprintf(&b, "Tags: %s.\n", strings.Join(a.Tags, ", "))
	}
	b.WriteString("Write the speaker profile.")
	return b.String()
}

func channelLabel(ch analysis.Channel) string {
	switch ch {
	case analysis.ChannelAge:
		return "Age"
	case analysis.ChannelGender:
		return "Gender"
	case analysis.ChannelNationality:
		return "Nationality"
	case analysis.ChannelEmotion:
		return "Emotion"
	default:
		return string(ch)
	}
}

// describeChannel turns one probability map into a ranked one-liner. The age
// channel carries years rather than a probability, so it prints as a number.
func describeChannel(ch analysis.Channel, r *analysis.ChannelResult) string {
	if ch == analysis.ChannelAge {
		if years, ok := r.Values["age"]; ok {
			return fmt.Sprintf("estimated %.0f years", years)
		}
	}
	return ranked(r.Values, 3)
}

func ranked(values map[string]float64, limit int) string {
	type entry struct {
		label string
		p     float64
	}
	entries := make([]entry, 0, len(values))
	for label, p := range values {
		entries = append(entries, entry{label, p})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].p != entries[j].p {
			return entries[i].p > entries[j].p
		}
		return entries[i].label < entries[j].label
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}

	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = fmt.Sprintf("%s %.0f%%", e.label, e.p*100)
	}
	line := strings.Join(parts, ", ")
	if len(entries) > 0 && entries[0].p < 0.4 {
		line += " (uncertain)"
	}
	return line
}
