// Package classify decides what kind of change a webhook notification
// represents, which in turn decides whether an extraction run is needed.
package classify

import "strings"

// Classification is the change category assigned to a notification.
type Classification string

const (
	// New means the card has never been extracted: full extraction plus
	// master and current writes.
	New Classification = "new"

	// DescChanged means the description differs from the last known one:
	// re-extraction plus current-table writes.
	DescChanged Classification = "desc_changed"

	// MetadataOnly means the description is unchanged: current-table
	// metadata refresh, no extraction.
	MetadataOnly Classification = "metadata_only"

	// Irrelevant means the action kind carries nothing to project.
	Irrelevant Classification = "irrelevant"
)

// Input carries everything the decision needs. LastDesc/HasLast come from the
// current projection (or the audit trail when no projection exists yet).
type Input struct {
	ActionType  string
	InMaster    bool
	FetchedDesc string
	LastDesc    string
	HasLast     bool
}

// Classify maps a notification to its change category.
//
// Any action on a card that has never been extracted is New, regardless of
// the action kind that carried it. For known cards only createCard/updateCard
// matter; everything else is Irrelevant.
func Classify(in Input) Classification {
	switch in.ActionType {
	case "createCard", "updateCard":
	default:
		return Irrelevant
	}

	if !in.InMaster {
		return New
	}

	// A card in master with no recorded description is treated as blank,
	// so a blank fetched description compares equal.
	last := ""
	if in.HasLast {
		last = NormalizeDescription(in.LastDesc)
	}
	if NormalizeDescription(in.FetchedDesc) != last {
		return DescChanged
	}
	return MetadataOnly
}

// NormalizeDescription canonicalizes a description for comparison: line
// endings collapse to LF and surrounding whitespace is dropped. A nil or
// missing description is equivalent to an empty one.
func NormalizeDescription(desc string) string {
	desc = strings.ReplaceAll(desc, "\r\n", "\n")
	return strings.TrimSpace(desc)
}
