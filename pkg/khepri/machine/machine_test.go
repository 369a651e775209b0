package machine

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/triptych/khepri/pkg/khepri/keepwhile"
	"github.com/triptych/khepri/pkg/khepri/kerr"
	"github.com/triptych/khepri/pkg/khepri/path"
	"github.com/triptych/khepri/pkg/khepri/tree"
)

// captureSink records dispatched events for assertions.
type captureSink struct {
	events []Event
}

func (c *captureSink) HandleEvent(ev Event) {
	c.events = append(c.events, ev)
}

func (c *captureSink) actions() []string {
	out := make([]string, len(c.events))
	for i, ev := range c.events {
		out[i] = string(ev.Action) + " " + ev.Path.String()
	}
	return out
}

func mustApply(m *Machine, cmd Command) Reply {
	reply, err := m.Apply(cmd)
	So(err, ShouldBeNil)
	return reply
}

func TestApplyPut(t *testing.T) {
	Convey("Given a fresh machine", t, func() {
		m := New(nil)
		sink := &captureSink{}
		m.AddSink(sink)

		Convey("a put creates the target and its missing parents", func() {
			mustApply(m, Put{Pattern: path.MustParse("/stock/wood/oak"), Payload: tree.Data(80)})

			So(sink.actions(), ShouldResemble, []string{
				"create /stock",
				"create /stock/wood",
				"create /stock/wood/oak",
			})

			raw, err := m.Query(func(t *tree.Tree) (interface{}, error) {
				node, _ := t.Get(path.MustParsePath("/stock/wood/oak"))
				data, _ := node.Data()
				return data, nil
			})
			So(err, ShouldBeNil)
			So(raw, ShouldEqual, 80)
		})

		Convey("a second put is an update event with old and new props", func() {
			mustApply(m, Put{Pattern: path.MustParse("/stock/wood/oak"), Payload: tree.Data(80)})
			sink.events = nil

			mustApply(m, Put{Pattern: path.MustParse("/stock/wood/oak"), Payload: tree.Data(60)})
			So(sink.actions(), ShouldResemble, []string{"update /stock/wood/oak"})
			ev := sink.events[0]
			So(ev.OldProps[tree.PropData], ShouldEqual, 80)
			So(ev.NewProps[tree.PropData], ShouldEqual, 60)
			So(ev.NewProps[tree.PropPayloadVersion], ShouldEqual, uint64(2))
		})

		Convey("a non-specific pattern fails before touching the tree", func() {
			_, err := m.Apply(Put{Pattern: path.MustParse("/stock/*"), Payload: tree.Data(1)})
			So(kerr.Is(err, kerr.NotSpecific), ShouldBeTrue)
			So(sink.events, ShouldHaveLength, 0)
		})

		Convey("the root payload is denied", func() {
			_, err := m.Apply(Put{Pattern: path.Pattern{}, Payload: tree.Data(1)})
			So(kerr.Is(err, kerr.DeniedUpdate), ShouldBeTrue)
		})

		Convey("condition-decorated puts behave as create/update/cas", func() {
			create := path.MustParse("/stock/wood/oak").Combine(path.NodeExists{Exists: false})
			mustApply(m, Put{Pattern: create, Payload: tree.Data(80)})

			_, err := m.Apply(Put{Pattern: create, Payload: tree.Data(90)})
			So(kerr.Is(err, kerr.MismatchingNode), ShouldBeTrue)

			update := path.MustParse("/stock/wood/birch").Combine(path.NodeExists{Exists: true})
			_, err = m.Apply(Put{Pattern: update, Payload: tree.Data(1)})
			So(kerr.Is(err, kerr.NodeNotFound), ShouldBeTrue)

			cas := path.MustParse("/stock/wood/oak").Combine(path.DataMatches{Pattern: 80})
			mustApply(m, Put{Pattern: cas, Payload: tree.Data(81)})

			_, err = m.Apply(Put{Pattern: cas, Payload: tree.Data(82)})
			So(kerr.Is(err, kerr.MismatchingNode), ShouldBeTrue)
		})

		Convey("props_to_return fills the reply after the mutation", func() {
			reply := mustApply(m, Put{
				Pattern: path.MustParse("/stock/wood/oak"),
				Payload: tree.Data(80),
				Options: CommandOptions{PropsToReturn: []string{tree.PropData, tree.PropPayloadVersion}},
			})
			So(reply.Props[tree.PropData], ShouldEqual, 80)
			So(reply.Props[tree.PropPayloadVersion], ShouldEqual, uint64(1))
		})
	})
}

func TestApplyDelete(t *testing.T) {
	Convey("Given a machine with a small subtree", t, func() {
		m := New(nil)
		sink := &captureSink{}
		m.AddSink(sink)
		mustApply(m, Put{Pattern: path.MustParse("/stock/wood/oak"), Payload: tree.Data(80)})
		mustApply(m, Put{Pattern: path.MustParse("/stock/wood/pine"), Payload: tree.Data(30)})
		sink.events = nil

		Convey("deleting a subtree emits descendant deletes first", func() {
			reply := mustApply(m, Delete{Pattern: path.MustParse("/stock/wood")})
			So(reply.Deleted, ShouldEqual, 3)
			So(sink.actions(), ShouldResemble, []string{
				"delete /stock/wood/oak",
				"delete /stock/wood/pine",
				"delete /stock/wood",
			})
			So(sink.events[0].OldProps[tree.PropData], ShouldEqual, 80)
			So(sink.events[0].NewProps, ShouldBeNil)

			Convey("deleting again is a no-op that still succeeds", func() {
				sink.events = nil
				reply := mustApply(m, Delete{Pattern: path.MustParse("/stock/wood")})
				So(reply.Deleted, ShouldEqual, 0)
				So(sink.events, ShouldHaveLength, 0)
			})
		})

		Convey("delete_many removes every match", func() {
			reply := mustApply(m, DeleteMany{Pattern: path.MustParse("/stock/wood/*")})
			So(reply.Deleted, ShouldEqual, 2)

			raw, _ := m.Query(func(t *tree.Tree) (interface{}, error) {
				_, ok := t.Get(path.MustParsePath("/stock/wood"))
				return ok, nil
			})
			So(raw, ShouldBeTrue)
		})

		Convey("delete_payload clears data but keeps the node", func() {
			mustApply(m, DeletePayload{Pattern: path.MustParse("/stock/wood/oak")})
			So(sink.actions(), ShouldResemble, []string{"update /stock/wood/oak"})

			raw, _ := m.Query(func(t *tree.Tree) (interface{}, error) {
				node, ok := t.Get(path.MustParsePath("/stock/wood/oak"))
				if !ok {
					return nil, nil
				}
				return node.HasPayload(), nil
			})
			So(raw, ShouldBeFalse)

			Convey("and clearing an absent node fails NodeNotFound", func() {
				_, err := m.Apply(DeletePayload{Pattern: path.MustParse("/stock/glass")})
				So(kerr.Is(err, kerr.NodeNotFound), ShouldBeTrue)
			})
		})
	})
}

func TestKeepWhileCascade(t *testing.T) {
	Convey("Given a machine", t, func() {
		m := New(nil)
		sink := &captureSink{}
		m.AddSink(sink)

		Convey("a watcher dies with the node it watches", func() {
			mustApply(m, Put{Pattern: path.MustParse("/stock/wood"), Payload: tree.Data(1)})
			mustApply(m, Put{
				Pattern: path.MustParse("/cache/wood"),
				Payload: tree.Data("cached"),
				Options: CommandOptions{KeepWhile: keepwhile.Conditions{
					"/stock/wood": path.NodeExists{Exists: true},
				}},
			})
			sink.events = nil

			mustApply(m, Delete{Pattern: path.MustParse("/stock/wood")})
			So(sink.actions(), ShouldResemble, []string{
				"delete /stock/wood",
				"delete /cache/wood",
			})

			raw, _ := m.Query(func(t *tree.Tree) (interface{}, error) {
				_, ok := t.Get(path.MustParsePath("/cache/wood"))
				return ok, nil
			})
			So(raw, ShouldBeFalse)
		})

		Convey("cascades chain across watchers", func() {
			mustApply(m, Put{Pattern: path.MustParse("/a"), Payload: tree.Data(1)})
			mustApply(m, Put{
				Pattern: path.MustParse("/b"),
				Payload: tree.Data(2),
				Options: CommandOptions{KeepWhile: keepwhile.Conditions{
					"/a": path.NodeExists{Exists: true},
				}},
			})
			mustApply(m, Put{
				Pattern: path.MustParse("/c"),
				Payload: tree.Data(3),
				Options: CommandOptions{KeepWhile: keepwhile.Conditions{
					"/b": path.NodeExists{Exists: true},
				}},
			})
			sink.events = nil

			mustApply(m, Delete{Pattern: path.MustParse("/a")})
			So(sink.actions(), ShouldResemble, []string{
				"delete /a",
				"delete /b",
				"delete /c",
			})
		})

		Convey("a keep-while violated at install time deletes the fresh node", func() {
			mustApply(m, Put{
				Pattern: path.MustParse("/cache/wood"),
				Payload: tree.Data("cached"),
				Options: CommandOptions{KeepWhile: keepwhile.Conditions{
					"/stock/wood": path.NodeExists{Exists: true},
				}},
			})

			raw, _ := m.Query(func(t *tree.Tree) (interface{}, error) {
				_, ok := t.Get(path.MustParsePath("/cache/wood"))
				return ok, nil
			})
			So(raw, ShouldBeFalse)
		})

		Convey("state conditions cascade on updates too", func() {
			mustApply(m, Put{Pattern: path.MustParse("/stock/wood"), Payload: tree.Data(1)})
			mustApply(m, Put{
				Pattern: path.MustParse("/watchers/empty"),
				Payload: tree.Data(true),
				Options: CommandOptions{KeepWhile: keepwhile.Conditions{
					"/stock/wood": path.ChildCountIs{Count: 0},
				}},
			})

			mustApply(m, Put{Pattern: path.MustParse("/stock/wood/oak"), Payload: tree.Data(80)})

			raw, _ := m.Query(func(t *tree.Tree) (interface{}, error) {
				_, ok := t.Get(path.MustParsePath("/watchers/empty"))
				return ok, nil
			})
			So(raw, ShouldBeFalse)
		})

		Convey("metrics count cascade deletions", func() {
			mustApply(m, Put{Pattern: path.MustParse("/a"), Payload: tree.Data(1)})
			mustApply(m, Put{
				Pattern: path.MustParse("/b"),
				Payload: tree.Data(2),
				Options: CommandOptions{KeepWhile: keepwhile.Conditions{
					"/a": path.NodeExists{Exists: true},
				}},
			})
			mustApply(m, Delete{Pattern: path.MustParse("/a")})

			metrics := m.Metrics()
			So(metrics.CommandsApplied, ShouldEqual, uint64(3))
			So(metrics.CascadeDeletions, ShouldEqual, uint64(1))
		})
	})
}

func TestSnapshotRestore(t *testing.T) {
	Convey("Snapshots capture the tree and the keep-while graph", t, func() {
		m := New(nil)
		mustApply(m, Put{Pattern: path.MustParse("/stock/wood/oak"), Payload: tree.Data(80)})
		mustApply(m, Put{
			Pattern: path.MustParse("/cache/oak"),
			Payload: tree.Data("cached"),
			Options: CommandOptions{KeepWhile: keepwhile.Conditions{
				"/stock/wood/oak": path.NodeExists{Exists: true},
			}},
		})

		snapshot := m.Snapshot()

		mustApply(m, Put{Pattern: path.MustParse("/stock/wood/oak"), Payload: tree.Data(0)})
		mustApply(m, Delete{Pattern: path.MustParse("/cache/oak")})

		other := New(nil)
		So(other.Restore(snapshot), ShouldBeNil)

		raw, _ := other.Query(func(t *tree.Tree) (interface{}, error) {
			node, _ := t.Get(path.MustParsePath("/stock/wood/oak"))
			data, _ := node.Data()
			return data, nil
		})
		So(raw, ShouldEqual, 80)

		Convey("restored keep-while edges still cascade", func() {
			mustApply(other, Delete{Pattern: path.MustParse("/stock/wood/oak")})
			raw, _ := other.Query(func(t *tree.Tree) (interface{}, error) {
				_, ok := t.Get(path.MustParsePath("/cache/oak"))
				return ok, nil
			})
			So(raw, ShouldBeFalse)
		})

		Convey("foreign snapshot values are rejected", func() {
			So(other.Restore("nonsense"), ShouldNotBeNil)
		})
	})
}

func TestPutMany(t *testing.T) {
	Convey("put_many updates every existing match and creates nothing", t, func() {
		m := New(nil)
		mustApply(m, Put{Pattern: path.MustParse("/stock/wood/oak"), Payload: tree.Data(1)})
		mustApply(m, Put{Pattern: path.MustParse("/stock/wood/pine"), Payload: tree.Data(2)})

		mustApply(m, PutMany{Pattern: path.MustParse("/stock/wood/*"), Payload: tree.Data(0)})

		raw, _ := m.Query(func(t *tree.Tree) (interface{}, error) {
			var values []interface{}
			for _, s := range []string{"/stock/wood/oak", "/stock/wood/pine"} {
				node, _ := t.Get(path.MustParsePath(s))
				data, _ := node.Data()
				values = append(values, data)
			}
			return values, nil
		})
		So(raw, ShouldResemble, []interface{}{0, 0})
	})
}
