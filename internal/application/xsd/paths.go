package xsd

import (
	"strings"

	"github.com/beevik/etree"
)

// node is one element or attribute matched by a rule path.
type node struct {
	value string
	leaf  bool
}

// present reports whether the node carries content: containers count when
// they exist, leaves only when their text is not blank.
func (n node) present() bool {
	return !n.leaf || n.value != ""
}

// resolve walks path from root. Element steps match local names; a final
// "@name" step selects an attribute of every matched element.
func resolve(root *etree.Element, path string) []node {
	if root == nil || path == "" {
		return nil
	}

	steps := strings.Split(path, "/")
	attr := ""
	if last := steps[len(steps)-1]; strings.HasPrefix(last, "@") {
		attr = last[1:]
		steps = steps[:len(steps)-1]
	}

	current := []*etree.Element{root}
	for _, step := range steps {
		var next []*etree.Element
		for _, el := range current {
			for _, child := range el.ChildElements() {
				if child.Tag == step {
					next = append(next, child)
				}
			}
		}
		if len(next) == 0 {
			return nil
		}
		current = next
	}

	nodes := make([]node, 0, len(current))
	for _, el := range current {
		if attr != "" {
			if a := el.SelectAttr(attr); a != nil {
				nodes = append(nodes, node{value: strings.TrimSpace(a.Value), leaf: true})
			}
			continue
		}
		nodes = append(nodes, node{
			value: strings.TrimSpace(el.Text()),
			leaf:  len(el.ChildElements()) == 0,
		})
	}
	return nodes
}

// exists reports whether path matches at least one present node.
func exists(root *etree.Element, path string) bool {
	for _, n := range resolve(root, path) {
		if n.present() {
			return true
		}
	}
	return false
}

// first returns the value of the first present node at path.
func first(root *etree.Element, path string) (string, bool) {
	for _, n := range resolve(root, path) {
		if n.present() {
			return n.value, true
		}
	}
	return "", false
}

// findIDs collects every Id attribute in the document.
func findIDs(root *etree.Element) map[string]bool {
	ids := make(map[string]bool)
	var walk func(*etree.Element)
	walk = func(el *etree.Element) {
		if a := el.SelectAttr("Id"); a != nil {
			ids[a.Value] = true
		}
		for _, c := range el.ChildElements() {
			walk(c)
		}
	}
	walk(root)
	return ids
}
