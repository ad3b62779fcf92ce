package memdom

import (
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// inlineStyle parses a style attribute into lower-cased property names.
func inlineStyle(n *html.Node) map[string]string {
	out := map[string]string{}
	raw, ok := attr(n, "style")
	if !ok {
		return out
	}
	for _, decl := range strings.Split(raw, ";") {
		name, value, found := strings.Cut(decl, ":")
		if !found {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(value), "!important"))
		if name != "" {
			out[name] = strings.ToLower(value)
		}
	}
	return out
}

func attr(n *html.Node, name string) (string, bool) {
	if n == nil || n.Type != html.ElementNode {
		return "", false
	}
	for _, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, name) {
			return a.Val, true
		}
	}
	return "", false
}

func setAttr(n *html.Node, name, value string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, name) {
			n.Attr[i].Val = value
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: name, Val: value})
}

func removeAttr(n *html.Node, name string) {
	kept := n.Attr[:0]
	for _, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, name) {
			continue
		}
		kept = append(kept, a)
	}
	n.Attr = kept
}

// computed is the subset of computed style the engine reads.
type computed struct {
	display       string
	visibility    string
	opacity       float64
	position      string
	pointerEvents string
	zIndex        int
}

// computeStyle resolves inline styles with the inheritance rules that matter
// for hit testing: display:none and the hidden attribute hide the subtree,
// visibility and pointer-events inherit.
func computeStyle(n *html.Node) computed {
	own := inlineStyle(n)
	c := computed{display: "block", visibility: "visible", opacity: 1, position: "static", pointerEvents: "auto"}
	if v, ok := own["display"]; ok {
		c.display = v
	}
	if v, ok := own["position"]; ok {
		c.position = v
	}
	if v, ok := own["opacity"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.opacity = f
		}
	}
	if v, ok := own["z-index"]; ok {
		if z, err := strconv.Atoi(v); err == nil {
			c.zIndex = z
		}
	}

	visibilitySet, pointerSet := false, false
	for cur := n; cur != nil && cur.Type == html.ElementNode; cur = cur.Parent {
		st := own
		if cur != n {
			st = inlineStyle(cur)
		}
		if _, hidden := attr(cur, "hidden"); hidden || st["display"] == "none" {
			c.display = "none"
		}
		if v, ok := st["visibility"]; ok && !visibilitySet {
			c.visibility, visibilitySet = v, true
		}
		if v, ok := st["pointer-events"]; ok && !pointerSet {
			c.pointerEvents, pointerSet = v, true
		}
	}
	return c
}

func (c computed) rendered() bool {
	return c.display != "none"
}
