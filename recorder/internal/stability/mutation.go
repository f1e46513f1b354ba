package stability

// Mutation types as reported by MutationObserver.
const (
	MutationChildList     = "childList"
	MutationAttributes    = "attributes"
	MutationCharacterData = "characterData"
)

// Node is a detached snapshot of a DOM node involved in a mutation.
type Node struct {
	Tag     string `json:"tag"`
	ID      string `json:"id,omitempty"`
	Class   string `json:"class,omitempty"`
	Element bool   `json:"element"`
	// Own is set by the page script on nodes it created itself.
	Own bool `json:"own,omitempty"`
}

// Mutation is one MutationRecord, flattened.
type Mutation struct {
	Type      string `json:"type"`
	Target    Node   `json:"target"`
	Attribute string `json:"attribute,omitempty"`
	Added     []Node `json:"added,omitempty"`
	Removed   []Node `json:"removed,omitempty"`
}

// Filter reports whether a mutation counts as page activity.
type Filter func(Mutation) bool

// MarkedOwn treats nodes flagged by the page script as the recorder's own.
func MarkedOwn(n Node) bool { return n.Own }

// trackedAttributes are the attributes whose changes count as activity.
var trackedAttributes = map[string]bool{"class": true, "src": true}

// DefaultFilter drops mutations on or of nodes for which own returns true,
// drops inline style churn, and keeps child list mutations only when a
// foreign element was added or removed. A nil own uses MarkedOwn.
func DefaultFilter(own func(Node) bool) Filter {
	if own == nil {
		own = MarkedOwn
	}
	allOwn := func(nodes []Node) bool {
		for _, n := range nodes {
			if !n.Element || !own(n) {
				return false
			}
		}
		return true
	}
	foreignElement := func(nodes []Node) bool {
		for _, n := range nodes {
			if n.Element && !own(n) {
				return true
			}
		}
		return false
	}
	return func(m Mutation) bool {
		if own(m.Target) {
			return false
		}
		switch m.Type {
		case MutationAttributes:
			return trackedAttributes[m.Attribute]
		case MutationChildList:
			if len(m.Added) > 0 && allOwn(m.Added) {
				return false
			}
			if len(m.Removed) > 0 && allOwn(m.Removed) {
				return false
			}
			return foreignElement(m.Added) || foreignElement(m.Removed)
		default:
			return false
		}
	}
}

// Count returns how many of ms pass f.
func (f Filter) Count(ms []Mutation) int {
	n := 0
	for _, m := range ms {
		if f(m) {
			n++
		}
	}
	return n
}
