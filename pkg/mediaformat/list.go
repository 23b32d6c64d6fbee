package mediaformat

// OrderedList is a preference-ordered sequence of Formats with the
// invariant that no two entries share a Name.
type OrderedList struct {
	formats []Format
}

// NewOrderedList builds a list from formats in the given preference
// order, dropping duplicate names after the first occurrence.
func NewOrderedList(formats ...Format) *OrderedList {
	l := &OrderedList{}
	for _, f := range formats {
		l.Add(f)
	}
	return l
}

// Add appends f to the end of the preference order unless its name is
// already present.
func (l *OrderedList) Add(f Format) {
	if _, ok := l.IndexOf(f.Name); ok {
		return
	}
	l.formats = append(l.formats, f.Clone())
}

// IndexOf returns the position of the named format, if present.
func (l *OrderedList) IndexOf(name string) (int, bool) {
	for i, f := range l.formats {
		if f.Name == name {
			return i, true
		}
	}
	return 0, false
}

// Remove drops the named format, preserving the order of the rest.
func (l *OrderedList) Remove(name string) bool {
	i, ok := l.IndexOf(name)
	if !ok {
		return false
	}
	l.formats = append(l.formats[:i], l.formats[i+1:]...)
	return true
}

// RemoveMask removes every format whose name appears in mask.
func (l *OrderedList) RemoveMask(mask []string) {
	blocked := make(map[string]bool, len(mask))
	for _, m := range mask {
		blocked[m] = true
	}
	filtered := l.formats[:0]
	for _, f := range l.formats {
		if !blocked[f.Name] {
			filtered = append(filtered, f)
		}
	}
	l.formats = filtered
}

// Reorder rearranges the list so that entries named in order come first,
// in that order, followed by any remaining entries in their prior
// relative order. Names not present in the list are ignored.
func (l *OrderedList) Reorder(order []string) {
	seen := make(map[string]bool, len(order))
	var reordered []Format
	for _, name := range order {
		if i, ok := l.IndexOf(name); ok {
			reordered = append(reordered, l.formats[i])
			seen[name] = true
		}
	}
	for _, f := range l.formats {
		if !seen[f.Name] {
			reordered = append(reordered, f)
		}
	}
	l.formats = reordered
}

// Formats returns the list contents in preference order. The slice is a
// copy; mutating it does not affect the list.
func (l *OrderedList) Formats() []Format {
	out := make([]Format, len(l.formats))
	copy(out, l.formats)
	return out
}

// Len reports the number of formats in the list.
func (l *OrderedList) Len() int { return len(l.formats) }

// Intersect returns a new OrderedList containing only formats present (by
// name) in both l and other, preserving l's preference order, with each
// entry's options merged via Format.Merge.
func (l *OrderedList) Intersect(other *OrderedList) (*OrderedList, error) {
	out := &OrderedList{}
	for _, f := range l.formats {
		i, ok := other.IndexOf(f.Name)
		if !ok {
			continue
		}
		merged, err := f.Merge(other.formats[i])
		if err != nil {
			return nil, err
		}
		out.formats = append(out.formats, merged)
	}
	return out, nil
}
