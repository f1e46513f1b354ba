package capture

import "strings"

// Element is the raw snapshot of a clicked element, taken by the page
// script in the listener before any asynchronous work.
type Element struct {
	Tag   string `json:"tag"`
	ID    string `json:"id,omitempty"`
	Class string `json:"class,omitempty"`
	Text  string `json:"text,omitempty"` // textContent
	Value string `json:"value,omitempty"`
	Alt   string `json:"alt,omitempty"`
	Title string `json:"title,omitempty"`
}

// Describe renders the element as tag#id.cls1.cls2 [text], text capped at
// 50 characters.
func (e Element) Describe() string {
	var b strings.Builder
	b.WriteString(strings.ToLower(e.Tag))
	if e.ID != "" {
		b.WriteString("#")
		b.WriteString(e.ID)
	}
	for _, c := range strings.Fields(e.Class) {
		b.WriteString(".")
		b.WriteString(c)
	}
	if t := truncate(strings.TrimSpace(e.Text), 50); t != "" {
		b.WriteString(" [")
		b.WriteString(t)
		b.WriteString("]")
	}
	return b.String()
}

// Label picks the human label of the element: value, then trimmed text
// (capped at 100), then alt, then title.
func (e Element) Label() string {
	switch {
	case e.Value != "":
		return e.Value
	case strings.TrimSpace(e.Text) != "":
		return truncate(strings.TrimSpace(e.Text), 100)
	case e.Alt != "":
		return e.Alt
	default:
		return e.Title
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
