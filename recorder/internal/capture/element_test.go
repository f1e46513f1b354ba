package capture

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDescribe(t *testing.T) {
	cases := []struct {
		el   Element
		want string
	}{
		{Element{Tag: "BUTTON", ID: "submit", Class: "btn  btn-primary", Text: "  Submit  "}, "button#submit.btn.btn-primary [Submit]"},
		{Element{Tag: "div"}, "div"},
		{Element{Tag: "a", Class: "nav"}, "a.nav"},
		{Element{Tag: "p", Text: strings.Repeat("x", 80)}, "p [" + strings.Repeat("x", 50) + "]"},
		{Element{Tag: "span", Text: strings.Repeat("提交", 40)}, "span [" + strings.Repeat("提交", 25) + "]"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.el.Describe())
	}
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "hello", Element{Value: "hello", Text: "ignored"}.Label())
	assert.Equal(t, "Submit", Element{Text: "\n Submit \n", Alt: "alt"}.Label())
	assert.Equal(t, strings.Repeat("y", 100), Element{Text: strings.Repeat("y", 150)}.Label())
	assert.Equal(t, "logo", Element{Text: "   ", Alt: "logo", Title: "t"}.Label())
	assert.Equal(t, "tooltip", Element{Title: "tooltip"}.Label())
	assert.Empty(t, Element{}.Label())
}
