// Package tree provides the client-side view of a workspace file tree.
//
// A NodeSet is the flat, deduplicated collection of every node a client has
// fetched so far. The hierarchical Tree is derived from it on demand and
// never maintained incrementally.
package tree

import (
	"path"
	"sort"
	"strings"

	"github.com/cloudcode/cloudcode/pkg/models"
)

// Root is the path of the workspace root directory.
const Root = "/"

// NodeSet is a flat set of nodes keyed by path. The zero value is ready to use.
type NodeSet struct {
	nodes map[string]models.Node
}

// Merge adds nodes to the set. On a path collision the incoming node wins.
// Merging the same listing twice leaves the set unchanged.
func (s *NodeSet) Merge(nodes ...models.Node) {
	if s.nodes == nil {
		s.nodes = make(map[string]models.Node, len(nodes))
	}
	for _, n := range nodes {
		n.Path = Clean(n.Path)
		s.nodes[n.Path] = n
	}
}

// Len returns the number of distinct paths in the set.
func (s *NodeSet) Len() int { return len(s.nodes) }

// Get returns the node stored at p.
func (s *NodeSet) Get(p string) (models.Node, bool) {
	n, ok := s.nodes[Clean(p)]
	return n, ok
}

// Nodes returns every node in display order.
func (s *NodeSet) Nodes() []models.Node {
	out := make([]models.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	Sort(out)
	return out
}

// Node is one vertex of a derived tree.
type Node struct {
	models.Node
	Children []*Node
}

// Build derives the hierarchical tree rooted at "/". Ancestor directories
// that were never fetched are synthesized so that every node is reachable,
// and any node that ends up with children is a directory.
func (s *NodeSet) Build() *Node {
	root := &Node{Node: models.Node{Path: Root, Type: models.TypeDir}}
	index := map[string]*Node{Root: root}

	var attach func(n models.Node) *Node
	attach = func(n models.Node) *Node {
		if existing, ok := index[n.Path]; ok {
			return existing
		}
		node := &Node{Node: n}
		index[n.Path] = node
		parent := attach(models.Node{Path: path.Dir(n.Path), Type: models.TypeDir})
		// A node with children is a directory, whatever a stale listing said.
		parent.Type = models.TypeDir
		parent.Children = append(parent.Children, node)
		return node
	}

	// Attach real nodes before synthesized ancestors claim their paths.
	nodes := s.Nodes()
	sort.SliceStable(nodes, func(i, j int) bool {
		return depth(nodes[i].Path) < depth(nodes[j].Path)
	})
	for _, n := range nodes {
		if n.Path == Root {
			continue
		}
		attach(n)
	}

	sortTree(root)
	return root
}

// FirstFile returns the first file directly under the root in display order.
func (s *NodeSet) FirstFile() (models.Node, bool) {
	for _, child := range s.Build().Children {
		if !child.IsDir() {
			return child.Node, true
		}
	}
	return models.Node{}, false
}

// Sort orders nodes directories first, then by name, then by path.
func Sort(nodes []models.Node) {
	sort.Slice(nodes, func(i, j int) bool {
		return less(nodes[i], nodes[j])
	})
}

func less(a, b models.Node) bool {
	if a.IsDir() != b.IsDir() {
		return a.IsDir()
	}
	if an, bn := a.Name(), b.Name(); an != bn {
		return an < bn
	}
	return a.Path < b.Path
}

func sortTree(n *Node) {
	sort.Slice(n.Children, func(i, j int) bool {
		return less(n.Children[i].Node, n.Children[j].Node)
	})
	for _, c := range n.Children {
		sortTree(c)
	}
}

func depth(p string) int {
	if p == Root {
		return 0
	}
	return strings.Count(p, "/")
}

// Clean normalizes a workspace path to its slash-rooted form.
func Clean(p string) string {
	return path.Clean("/" + p)
}

// FindByPath resolves a path in a derived tree.
func FindByPath(root *Node, p string) *Node {
	if root == nil {
		return nil
	}
	if root.Path == p {
		return root
	}
	for _, child := range root.Children {
		if found := FindByPath(child, p); found != nil {
			return found
		}
	}
	return nil
}

// CountNodes counts all nodes in a tree, the root included.
func CountNodes(root *Node) int {
	if root == nil {
		return 0
	}
	count := 1
	for _, child := range root.Children {
		count += CountNodes(child)
	}
	return count
}

// BuildChildPath constructs a child path from parent + name.
func BuildChildPath(parentPath, name string) string {
	if parentPath == Root {
		return Root + name
	}
	return parentPath + "/" + name
}
