package statestore

// node is one position in the state tree. A node either carries a leaf
// value or children, never both: writing an object turns the node into a
// branch so that subscriptions above and below the write both observe it.
type node struct {
	children map[string]*node
	value    any
}

func (n *node) empty() bool {
	return n == nil || (len(n.children) == 0 && n.value == nil)
}

func buildNode(v any) *node {
	if m, ok := v.(map[string]any); ok {
		n := &node{children: make(map[string]*node)}
		for k, cv := range m {
			if cv == nil {
				continue
			}
			n.children[k] = buildNode(cv)
		}
		return n
	}
	return &node{value: v}
}

// setPath replaces the subtree at parts with v. nil (or a value that builds
// an empty branch) deletes the subtree; empty intermediate branches are
// pruned on the way back up.
func setPath(n *node, parts []string, v any) {
	if len(parts) == 0 {
		repl := buildNode(v)
		n.children, n.value = repl.children, repl.value
		return
	}
	if n.children == nil {
		n.children = make(map[string]*node)
		n.value = nil
	}
	head := parts[0]
	if len(parts) == 1 {
		if v == nil {
			delete(n.children, head)
			return
		}
		repl := buildNode(v)
		if repl.empty() {
			delete(n.children, head)
			return
		}
		n.children[head] = repl
		return
	}
	child := n.children[head]
	if child == nil {
		child = &node{}
		n.children[head] = child
	}
	setPath(child, parts[1:], v)
	if child.empty() {
		delete(n.children, head)
	}
}

func getPath(n *node, parts []string) *node {
	for _, p := range parts {
		if n == nil || n.children == nil {
			return nil
		}
		n = n.children[p]
	}
	return n
}

// materialize renders the subtree rooted at n as plain values: branches
// become maps, absent or empty nodes become nil.
func materialize(n *node) any {
	if n == nil {
		return nil
	}
	if n.children != nil {
		m := make(map[string]any, len(n.children))
		for k, c := range n.children {
			if v := materialize(c); v != nil {
				m[k] = v
			}
		}
		if len(m) == 0 {
			return nil
		}
		return m
	}
	return n.value
}
