package payments

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/baltic-freight/tms/internal/shared"
)

// OffsetTagPrefix starts the machine-readable offset group back-reference.
const OffsetTagPrefix = "OFFSET_PAYMENT_IDS:"

var offsetTagPattern = regexp.MustCompile(`OFFSET_PAYMENT_IDS:([0-9,]+)`)

// FormatOffsetTag writes ids as the first token of notes, followed by rest
// after ". " when rest is non-empty.
func FormatOffsetTag(ids []int64, rest string) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.FormatInt(id, 10))
	}
	tag := OffsetTagPrefix + strings.Join(parts, ",")
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return tag
	}
	return tag + ". " + rest
}

// ParseOffsetTag returns the ids listed in the first tag found anywhere in
// notes. Empty fragments between commas are ignored.
func ParseOffsetTag(notes string) ([]int64, bool) {
	m := offsetTagPattern.FindStringSubmatch(notes)
	if m == nil {
		return nil, false
	}
	var ids []int64
	for _, raw := range strings.Split(m[1], ",") {
		if raw == "" {
			continue
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, len(ids) > 0
}

// ListsOffsetID reports whether notes carries a tag naming id.
func ListsOffsetID(notes string, id int64) bool {
	ids, ok := ParseOffsetTag(notes)
	if !ok {
		return false
	}
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// stripOffsetTag removes a leading tag so it can be rewritten.
func stripOffsetTag(notes string) string {
	loc := offsetTagPattern.FindStringIndex(notes)
	if loc == nil || loc[0] != 0 {
		return notes
	}
	rest := strings.TrimPrefix(notes[loc[1]:], ".")
	return strings.TrimSpace(rest)
}

// offsetNotes builds the sales-side back-reference to the supplier invoice.
func offsetNotes(supplierNumber, notes string) string {
	out := "Sudengta su vežėjo sąskaita " + supplierNumber
	if notes = strings.TrimSpace(notes); notes != "" {
		out += ". " + notes
	}
	return out
}

// checkNotes rejects caller notes that would read as an offset group tag.
func checkNotes(notes string) error {
	if strings.Contains(notes, OffsetTagPrefix) {
		return shared.Invalid("notes", "must not contain "+OffsetTagPrefix)
	}
	return nil
}
