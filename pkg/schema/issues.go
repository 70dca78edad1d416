package schema

import "fmt"

// Issue is a single configuration problem with its location.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Issues collects configuration problems so a malformed workflow is reported
// in one error instead of one problem per attempt.
type Issues struct {
	list []Issue
}

// Add appends an issue.
func (r *Issues) Add(path, message string) {
	r.list = append(r.list, Issue{Path: path, Message: message})
}

// Addf appends an issue with a formatted message.
func (r *Issues) Addf(path, format string, args ...any) {
	r.Add(path, fmt.Sprintf(format, args...))
}

// Merge appends every issue of other, prefixing paths with prefix when set.
func (r *Issues) Merge(prefix string, other *Issues) {
	if other == nil {
		return
	}
	for _, is := range other.list {
		p := is.Path
		if prefix != "" {
			p = prefix + "." + p
		}
		r.list = append(r.list, Issue{Path: p, Message: is.Message})
	}
}

// Len returns the number of collected issues.
func (r *Issues) Len() int { return len(r.list) }

// List returns a copy of the collected issues.
func (r *Issues) List() []Issue {
	out := make([]Issue, len(r.list))
	copy(out, r.list)
	return out
}

// Err converts the issues into a CONFIG_ERROR, or nil when there are none.
func (r *Issues) Err() error {
	if len(r.list) == 0 {
		return nil
	}
	msg := fmt.Sprintf("%s: %s", r.list[0].Path, r.list[0].Message)
	if len(r.list) > 1 {
		msg = fmt.Sprintf("invalid configuration: %d issues", len(r.list))
	}
	return NewError(ErrCodeConfig, msg).
		WithDetails(map[string]any{
			"issue_count": len(r.list),
			"issues":      r.List(),
		})
}
