package keepwhile

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/triptych/khepri/pkg/khepri/path"
	"github.com/triptych/khepri/pkg/khepri/tree"
)

func lookupIn(tr *tree.Tree) func(path.Path) path.NodeView {
	return func(p path.Path) path.NodeView {
		node, ok := tr.Get(p)
		if !ok {
			return nil
		}
		return node
	}
}

func TestGraph(t *testing.T) {
	Convey("Given a keep-while graph", t, func() {
		g := New()
		watcher := path.MustParsePath("/cache/wood")
		watched := "/stock/wood"

		So(g.Put(watcher, Conditions{
			watched: path.NodeExists{Exists: true},
		}), ShouldBeNil)
		So(g.Len(), ShouldEqual, 1)

		Convey("changed watched paths surface their watchers", func() {
			affected := g.AffectedBy([]path.Path{path.MustParsePath("/stock/wood")})
			So(affected, ShouldHaveLength, 1)
			So(affected[0], ShouldResemble, watcher)
		})

		Convey("unrelated changes surface nothing", func() {
			So(g.AffectedBy([]path.Path{path.MustParsePath("/stock/metal")}), ShouldHaveLength, 0)
		})

		Convey("replacing a watcher's conditions drops the old edges", func() {
			So(g.Put(watcher, Conditions{
				"/stock/metal": path.NodeExists{Exists: true},
			}), ShouldBeNil)
			So(g.AffectedBy([]path.Path{path.MustParsePath("/stock/wood")}), ShouldHaveLength, 0)
			So(g.AffectedBy([]path.Path{path.MustParsePath("/stock/metal")}), ShouldHaveLength, 1)
		})

		Convey("removing a path forgets it as a watcher", func() {
			g.Remove(watcher)
			So(g.Len(), ShouldEqual, 0)
			So(g.AffectedBy([]path.Path{path.MustParsePath("/stock/wood")}), ShouldHaveLength, 0)
		})

		Convey("watched keys must be concrete paths", func() {
			err := g.Put(watcher, Conditions{"/stock/*": path.NodeExists{Exists: true}})
			So(err, ShouldNotBeNil)
		})
	})
}

func TestExpiry(t *testing.T) {
	Convey("Given a tree and a watcher on it", t, func() {
		tr := tree.New()
		_, err := tr.Insert(path.MustParsePath("/stock/wood"), tree.Data(1), true)
		So(err, ShouldBeNil)

		g := New()
		watcher := path.MustParsePath("/cache/wood")
		So(g.Put(watcher, Conditions{
			"/stock/wood": path.NodeExists{Exists: true},
		}), ShouldBeNil)

		Convey("the watcher lives while its condition holds", func() {
			expired, err := g.Expired(watcher, lookupIn(tr))
			So(err, ShouldBeNil)
			So(expired, ShouldBeFalse)
		})

		Convey("the watcher expires when the watched node goes away", func() {
			_, err := tr.Remove(path.MustParsePath("/stock/wood"))
			So(err, ShouldBeNil)

			expired, err := g.Expired(watcher, lookupIn(tr))
			So(err, ShouldBeNil)
			So(expired, ShouldBeTrue)
		})

		Convey("state conditions re-evaluate against the current node", func() {
			So(g.Put(watcher, Conditions{
				"/stock/wood": path.ChildCountIs{Count: 0},
			}), ShouldBeNil)

			expired, _ := g.Expired(watcher, lookupIn(tr))
			So(expired, ShouldBeFalse)

			_, err := tr.Insert(path.MustParsePath("/stock/wood/oak"), tree.Data(1), true)
			So(err, ShouldBeNil)
			expired, _ = g.Expired(watcher, lookupIn(tr))
			So(expired, ShouldBeTrue)
		})
	})
}

func TestCascadeOrdering(t *testing.T) {
	Convey("Affected watchers come out in cascade order", t, func() {
		g := New()
		watched := "/stock/wood"
		for _, w := range []string{"/b", "/a/x/deep", "/a/x", "/a"} {
			So(g.Put(path.MustParsePath(w), Conditions{
				watched: path.NodeExists{Exists: true},
			}), ShouldBeNil)
		}

		affected := g.AffectedBy([]path.Path{path.MustParsePath(watched)})
		rendered := make([]string, len(affected))
		for i, p := range affected {
			rendered[i] = p.String()
		}
		So(rendered, ShouldResemble, []string{"/a/x/deep", "/a/x", "/a", "/b"})
	})
}
