package rundown

import (
	"time"
)

// field-granular three-way merge for reconnection after offline editing.
// `base` is the snapshot at the moment local editing diverged from the
// server, `theirs` is the current authoritative state, `ours` is the list of
// locally pending field updates. merging field by field keeps two users
// editing different fields of the same item out of each other's way.

// a pending local change to one field.
// `ItemId` empty addresses a document-level field (title, startTime, timezone).
type FieldUpdate struct {
	ItemId    string    `json:"itemId,omitempty"`
	Field     string    `json:"field"`
	Value     string    `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// created only when the merge detects true divergence. never auto-resolved;
// a human decision point picks a value, then the record is discarded.
type ConflictRecord struct {
	ItemId     string
	Field      string
	Base       string
	Theirs     string
	Ours       string
	TheirsTime time.Time
	OursTime   time.Time
}

type ConflictResolution int

const (
	ResolutionKeepLocal  ConflictResolution = 0
	ResolutionKeepRemote ConflictResolution = 1
	ResolutionMerged     ConflictResolution = 2
)

type MergeResult struct {
	// auto-resolved updates to apply on top of `theirs`
	Applied []FieldUpdate
	// local no-ops relative to base, dropped in favor of `theirs`
	Discarded []FieldUpdate
	// genuine divergence, blocked until resolved
	Conflicts []*ConflictRecord
}

func documentField(doc *RundownDocument, itemId string, field string) (string, bool) {
	if itemId == "" {
		switch field {
		case "title":
			return doc.Title, true
		case "startTime":
			return doc.StartTime, true
		case "timezone":
			return doc.Timezone, true
		default:
			return "", false
		}
	}
	item := doc.Item(itemId)
	if item == nil {
		return "", false
	}
	value, ok := item.Fields[field]
	return value, ok
}

// classifies each pending update against base and theirs:
//
//	base == theirs            -> no remote change, apply ours
//	base == ours              -> local change is a no-op, keep theirs
//	theirs == ours            -> both sides converged, apply either
//	otherwise                 -> conflict record, nothing applied
func MergeFieldUpdates(base *RundownDocument, theirs *RundownDocument, ours []FieldUpdate) *MergeResult {
	result := &MergeResult{
		Applied:   []FieldUpdate{},
		Discarded: []FieldUpdate{},
		Conflicts: []*ConflictRecord{},
	}

	for _, update := range ours {
		baseValue, _ := documentField(base, update.ItemId, update.Field)
		theirsValue, _ := documentField(theirs, update.ItemId, update.Field)

		switch {
		case baseValue == theirsValue:
			result.Applied = append(result.Applied, update)
		case baseValue == update.Value:
			result.Discarded = append(result.Discarded, update)
		case theirsValue == update.Value:
			result.Applied = append(result.Applied, update)
		default:
			result.Conflicts = append(result.Conflicts, &ConflictRecord{
				ItemId:     update.ItemId,
				Field:      update.Field,
				Base:       baseValue,
				Theirs:     theirsValue,
				Ours:       update.Value,
				TheirsTime: theirs.UpdatedAt,
				OursTime:   update.Timestamp,
			})
		}
	}

	return result
}

// applies an external decision to a conflict record and returns the field
// update carrying exactly that value. the record is spent after this.
func ResolveConflict(record *ConflictRecord, resolution ConflictResolution, mergedValue string) FieldUpdate {
	update := FieldUpdate{
		ItemId:    record.ItemId,
		Field:     record.Field,
		Timestamp: time.Now(),
	}
	switch resolution {
	case ResolutionKeepLocal:
		update.Value = record.Ours
	case ResolutionKeepRemote:
		update.Value = record.Theirs
	default:
		update.Value = mergedValue
	}
	return update
}
