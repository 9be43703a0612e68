package tree

import (
	"testing"

	"github.com/cloudcode/cloudcode/pkg/models"
)

func dir(p string) models.Node  { return models.Node{Path: p, Type: models.TypeDir} }
func file(p string) models.Node { return models.Node{Path: p, Type: models.TypeFile} }

func TestMergeScenario(t *testing.T) {
	var set NodeSet
	set.Merge(dir("/src"), file("/index.js"))
	set.Merge(file("/src/app.js"))

	if set.Len() != 3 {
		t.Fatalf("Len = %d, want 3", set.Len())
	}

	root := set.Build()
	var dirs, files int
	for _, c := range root.Children {
		if c.IsDir() {
			dirs++
		} else {
			files++
		}
	}
	if dirs != 1 || files != 1 {
		t.Errorf("top level: %d dirs, %d files; want 1 and 1", dirs, files)
	}
	src := FindByPath(root, "/src")
	if src == nil || len(src.Children) != 1 || src.Children[0].Path != "/src/app.js" {
		t.Errorf("/src children = %+v", src)
	}
	if CountNodes(root) != 4 {
		t.Errorf("CountNodes = %d, want 4", CountNodes(root))
	}
}

func TestMergeIdempotent(t *testing.T) {
	var set NodeSet
	listing := []models.Node{dir("/src"), file("/index.js"), file("/package.json")}
	set.Merge(listing...)
	set.Merge(listing...)
	set.Merge(listing...)

	if set.Len() != 3 {
		t.Errorf("Len = %d, want 3", set.Len())
	}
}

func TestMergeLatestWins(t *testing.T) {
	var set NodeSet
	set.Merge(file("/build"))
	set.Merge(dir("/build"))

	n, ok := set.Get("/build")
	if !ok || !n.IsDir() {
		t.Errorf("Get(/build) = %+v, %v; want directory", n, ok)
	}
	if set.Len() != 1 {
		t.Errorf("Len = %d, want 1", set.Len())
	}
}

func TestMergeNormalizesPaths(t *testing.T) {
	var set NodeSet
	set.Merge(file("src/app.js"), file("/src//app.js"), file("/src/./app.js"))
	if set.Len() != 1 {
		t.Errorf("Len = %d, want 1: %v", set.Len(), set.Nodes())
	}
}

func TestBuildSynthesizesAncestors(t *testing.T) {
	var set NodeSet
	set.Merge(file("/a/b/c.txt"))

	root := set.Build()
	b := FindByPath(root, "/a/b")
	if b == nil || !b.IsDir() {
		t.Fatalf("/a/b not synthesized: %+v", b)
	}
	if FindByPath(root, "/a/b/c.txt") == nil {
		t.Error("/a/b/c.txt not reachable")
	}
	if set.Len() != 1 {
		t.Errorf("Build changed the set: Len = %d", set.Len())
	}
}

func TestBuildParentWithChildrenIsDir(t *testing.T) {
	var set NodeSet
	// /a was listed as a file, then its children arrived from a later fetch.
	set.Merge(file("/a"), file("/z.js"))
	set.Merge(file("/a/b.js"))

	root := set.Build()
	a := FindByPath(root, "/a")
	if a == nil || !a.IsDir() || len(a.Children) != 1 {
		t.Fatalf("/a = %+v, want a directory with one child", a)
	}
	if first, ok := set.FirstFile(); !ok || first.Path != "/z.js" {
		t.Errorf("FirstFile = %v, %v; want /z.js", first, ok)
	}
	if got, _ := set.Get("/a"); got.IsDir() {
		t.Error("Build rewrote the stored node")
	}
}

func TestBuildOrdering(t *testing.T) {
	var set NodeSet
	set.Merge(file("/z.js"), file("/a.js"), dir("/lib"), dir("/bin"))

	root := set.Build()
	want := []string{"/bin", "/lib", "/a.js", "/z.js"}
	if len(root.Children) != len(want) {
		t.Fatalf("children = %d, want %d", len(root.Children), len(want))
	}
	for i, c := range root.Children {
		if c.Path != want[i] {
			t.Errorf("child %d = %s, want %s", i, c.Path, want[i])
		}
	}
}

func TestFirstFile(t *testing.T) {
	tests := []struct {
		name  string
		nodes []models.Node
		want  string
		found bool
	}{
		{"empty", nil, "", false},
		{"dirs only", []models.Node{dir("/src")}, "", false},
		{"nested file ignored", []models.Node{dir("/src"), file("/src/app.js")}, "", false},
		{"first by name", []models.Node{dir("/src"), file("/package.json"), file("/index.js")}, "/index.js", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var set NodeSet
			set.Merge(tt.nodes...)
			got, ok := set.FirstFile()
			if ok != tt.found || got.Path != tt.want {
				t.Errorf("FirstFile = %q, %v; want %q, %v", got.Path, ok, tt.want, tt.found)
			}
		})
	}
}

func TestBuildChildPath(t *testing.T) {
	tests := []struct {
		parent, name, want string
	}{
		{"/", "index.js", "/index.js"},
		{"/src", "app.js", "/src/app.js"},
	}
	for _, tt := range tests {
		if got := BuildChildPath(tt.parent, tt.name); got != tt.want {
			t.Errorf("BuildChildPath(%q, %q) = %q, want %q", tt.parent, tt.name, got, tt.want)
		}
	}
}

func TestFindByPathNil(t *testing.T) {
	if FindByPath(nil, "/") != nil {
		t.Error("FindByPath(nil, /) should return nil")
	}
}
