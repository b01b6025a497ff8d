package conversion

// Node is one level of an ordered key tree. A branch node has non-nil
// Children; a leaf carries Value. Children keep declaration order.
type Node struct {
	Key      string
	Value    any
	Children []*Node
}

// newBranch returns a branch node with no children yet.
func newBranch(key string) *Node {
	return &Node{Key: key, Children: make([]*Node, 0)}
}

// add appends a child and returns it.
func (n *Node) add(child *Node) *Node {
	n.Children = append(n.Children, child)
	return child
}

// isBranch reports whether n has children (possibly zero of them).
func (n *Node) isBranch() bool {
	return n.Children != nil
}

// Search walks the tree depth-first in insertion order and returns the key
// path (root key excluded) to the first leaf whose Value equals target.
//
// Leaves are compared with ==, so the dynamic type must match: a uint32
// frame ID never matches a byte enum code of the same numeric value.
// When duplicate leaves exist the first one in pre-order wins.
func Search(root *Node, target any) ([]string, bool) {
	if root == nil {
		return nil, false
	}
	return search(root, target, nil)
}

func search(n *Node, target any, path []string) ([]string, bool) {
	for _, child := range n.Children {
		p := append(path[:len(path):len(path)], child.Key)
		if child.isBranch() {
			if found, ok := search(child, target, p); ok {
				return found, true
			}
			continue
		}
		if child.Value == target {
			return p, true
		}
	}
	return nil, false
}
