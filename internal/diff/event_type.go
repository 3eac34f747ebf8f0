package diff

import (
	"sort"
	"strings"

	"github.com/eventwatcher/eventwatcher/internal/snapshot"
)

// Event-type labels produced by classification. The set mirrors the samples
// relation's field vocabulary: each label names the observable change, not
// the rule that noticed it.
const (
	EventCreated             = "created"
	EventRemoved             = "removed"
	EventModified            = "modified"
	EventSizeChanged         = "size_changed"
	EventContentModified     = "content_modified"
	EventContentChanged      = "content_changed"
	EventPatternFound        = "pattern_found"
	EventPatternRemoved      = "pattern_removed"
	EventFilesChanged        = "files_changed"
	EventSubdirsChanged      = "subdirs_changed"
	EventDirSizeChanged      = "dir_size_changed"
	EventUnknownModification = "unknown_modification"
)

// EventType maps a set of field changes to a canonical comma-joined label
// set, deduplicated and deterministically sorted. A change set whose fields
// map to no label classifies as unknown_modification rather than failing;
// field comparison can legitimately notice transitions (ownership, mode)
// that have no dedicated label.
func EventType(changes map[string]FieldChange, kind snapshot.Kind) string {
	labels := make(map[string]struct{})

	for field, change := range changes {
		if kind == snapshot.KindDirectory {
			switch field {
			case snapshot.FieldFilesCount:
				labels[EventFilesChanged] = struct{}{}
			case snapshot.FieldSubdirsCount:
				labels[EventSubdirsChanged] = struct{}{}
			case snapshot.FieldSize:
				labels[EventDirSizeChanged] = struct{}{}
			}
			continue
		}

		switch field {
		case snapshot.FieldSize:
			labels[EventSizeChanged] = struct{}{}
		case snapshot.FieldLastModified:
			labels[EventContentModified] = struct{}{}
		case snapshot.FieldMD5, snapshot.FieldSHA256:
			labels[EventContentChanged] = struct{}{}
		case snapshot.FieldPatternFound:
			oldSet := change.Old == true
			newSet := change.New == true
			if !oldSet && newSet {
				labels[EventPatternFound] = struct{}{}
			} else if oldSet && !newSet {
				labels[EventPatternRemoved] = struct{}{}
			}
		}
	}

	if len(labels) == 0 {
		return EventUnknownModification
	}

	out := make([]string, 0, len(labels))
	for l := range labels {
		out = append(out, l)
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}
