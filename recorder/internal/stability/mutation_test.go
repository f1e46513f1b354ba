package stability

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultFilter(t *testing.T) {
	f := DefaultFilter(nil)
	own := Node{Tag: "div", Class: "steprec-marker", Element: true, Own: true}
	body := Node{Tag: "body", Element: true}
	card := Node{Tag: "div", Class: "card", Element: true}
	text := Node{Tag: "#text"}

	cases := []struct {
		name string
		m    Mutation
		want bool
	}{
		{"marker added", Mutation{Type: MutationChildList, Target: body, Added: []Node{own}}, false},
		{"marker removed", Mutation{Type: MutationChildList, Target: body, Removed: []Node{own}}, false},
		{"inside marker", Mutation{Type: MutationChildList, Target: own, Added: []Node{card}}, false},
		{"foreign element added", Mutation{Type: MutationChildList, Target: body, Added: []Node{card}}, true},
		{"foreign element removed", Mutation{Type: MutationChildList, Target: body, Removed: []Node{card}}, true},
		{"text only", Mutation{Type: MutationChildList, Target: card, Added: []Node{text}}, false},
		{"mixed", Mutation{Type: MutationChildList, Target: body, Added: []Node{own, card}}, true},
		{"style churn", Mutation{Type: MutationAttributes, Target: card, Attribute: "style"}, false},
		{"class change", Mutation{Type: MutationAttributes, Target: card, Attribute: "class"}, true},
		{"src change", Mutation{Type: MutationAttributes, Target: Node{Tag: "img", Element: true}, Attribute: "src"}, true},
		{"untracked attribute", Mutation{Type: MutationAttributes, Target: card, Attribute: "aria-busy"}, false},
		{"character data", Mutation{Type: MutationCharacterData, Target: text}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, f(tc.m))
		})
	}
}

func TestDefaultFilter_CustomPredicate(t *testing.T) {
	f := DefaultFilter(func(n Node) bool { return n.ID == "overlay" })
	m := Mutation{Type: MutationAttributes, Target: Node{Tag: "div", ID: "overlay", Element: true}, Attribute: "class"}
	assert.False(t, f(m))
	assert.Equal(t, 0, f.Count([]Mutation{m}))
}

func TestSignals(t *testing.T) {
	assert.True(t, Signals{ReadyState: "loading"}.Busy())
	assert.True(t, Signals{ReadyState: "complete", PendingImages: 1}.Busy())
	assert.True(t, Signals{ReadyState: "complete", RunningAnimations: 2}.Busy())
	assert.False(t, Signals{ReadyState: "complete"}.Busy())
	assert.False(t, Signals{ContentElements: 5}.Sufficient(5))
	assert.True(t, Signals{ContentElements: 6}.Sufficient(5))
}
