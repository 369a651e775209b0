package machine

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/triptych/khepri/pkg/khepri/kerr"
	"github.com/triptych/khepri/pkg/khepri/path"
	"github.com/triptych/khepri/pkg/khepri/tree"
	"github.com/triptych/khepri/pkg/khepri/view"
)

func identityProjection() ProjectionSpec {
	return ProjectionSpec{
		Simple: func(p path.Path, data interface{}) (interface{}, interface{}, error) {
			return p.String(), data, nil
		},
	}
}

func TestProjectionFollowsChanges(t *testing.T) {
	Convey("Given a projection on /stock/wood/*", t, func() {
		m := New(nil)
		mustApply(m, RegisterProjection{
			Name:    "wood_stock",
			Pattern: path.MustParse("/stock/wood/*"),
			Spec:    identityProjection(),
		})
		tbl, ok := m.Views().Get("wood_stock")
		So(ok, ShouldBeTrue)

		Convey("a create lands in the view", func() {
			mustApply(m, Put{Pattern: path.MustParse("/stock/wood/oak"), Payload: tree.Data(80)})

			v, ok := tbl.Get("/stock/wood/oak")
			So(ok, ShouldBeTrue)
			So(v, ShouldEqual, 80)

			Convey("an update replaces the row", func() {
				mustApply(m, Put{Pattern: path.MustParse("/stock/wood/oak"), Payload: tree.Data(60)})
				v, _ := tbl.Get("/stock/wood/oak")
				So(v, ShouldEqual, 60)
			})

			Convey("a delete removes the row", func() {
				mustApply(m, Delete{Pattern: path.MustParse("/stock/wood/oak")})
				_, ok := tbl.Get("/stock/wood/oak")
				So(ok, ShouldBeFalse)
			})
		})

		Convey("non-matching paths are ignored", func() {
			mustApply(m, Put{Pattern: path.MustParse("/stock/metal/iron"), Payload: tree.Data(5)})
			So(tbl.Len(), ShouldEqual, 0)
		})
	})
}

func TestProjectionSkipsSprocs(t *testing.T) {
	Convey("Projections only react to data payloads", t, func() {
		m := New(nil)
		mustApply(m, RegisterProjection{
			Name:    "oak_only",
			Pattern: path.MustParse("/stock/wood/oak"),
			Spec:    identityProjection(),
		})

		sp := tree.RegisterFunc("dispatch-test/constant", 0, func(...interface{}) (interface{}, error) {
			return "return_value", nil
		})
		defer tree.UnregisterFunc("dispatch-test/constant")

		mustApply(m, Put{Pattern: path.MustParse("/stock/wood/oak"), Payload: tree.Sproc(sp)})

		Convey("the stored procedure is reachable", func() {
			raw, err := m.Query(func(t *tree.Tree) (interface{}, error) {
				node, _ := t.Get(path.MustParsePath("/stock/wood/oak"))
				got, _ := node.Sproc()
				return got.Invoke()
			})
			So(err, ShouldBeNil)
			So(raw, ShouldEqual, "return_value")
		})

		Convey("but the view has no entry for it", func() {
			tbl, _ := m.Views().Get("oak_only")
			So(tbl.Len(), ShouldEqual, 0)
		})
	})
}

func TestRetroactiveRegistration(t *testing.T) {
	Convey("Registering after the fact replays the matching subtree", t, func() {
		m := New(nil)
		mustApply(m, Put{Pattern: path.MustParse("/stock/wood/oak"), Payload: tree.Data(100)})

		mustApply(m, RegisterProjection{
			Name:    "late",
			Pattern: path.MustParse("/stock/wood/oak"),
			Spec:    identityProjection(),
		})

		tbl, _ := m.Views().Get("late")
		v, ok := tbl.Get("/stock/wood/oak")
		So(ok, ShouldBeTrue)
		So(v, ShouldEqual, 100)
	})
}

func TestDuplicateRegistration(t *testing.T) {
	Convey("A second registration under the same name fails Exists", t, func() {
		m := New(nil)
		mustApply(m, Put{Pattern: path.MustParse("/stock/wood/oak"), Payload: tree.Data(100)})
		mustApply(m, RegisterProjection{
			Name:    "dup",
			Pattern: path.MustParse("/stock/wood/oak"),
			Spec:    identityProjection(),
		})

		_, err := m.Apply(RegisterProjection{
			Name:    "dup",
			Pattern: path.MustParse("/stock/**"),
			Spec:    identityProjection(),
		})
		So(kerr.Is(err, kerr.Exists), ShouldBeTrue)

		Convey("and the existing view is unchanged", func() {
			tbl, _ := m.Views().Get("dup")
			So(tbl.Len(), ShouldEqual, 1)
		})
	})
}

func TestProjectionOptionValidation(t *testing.T) {
	Convey("Unknown projection options are rejected at registration", t, func() {
		m := New(nil)

		spec := identityProjection()
		spec.Options = map[string]interface{}{"type": "ordered_bag"}
		_, err := m.Apply(RegisterProjection{
			Name:    "bad",
			Pattern: path.MustParse("/stock/**"),
			Spec:    spec,
		})
		So(kerr.Is(err, kerr.UnexpectedOption), ShouldBeTrue)

		Convey("bag is rejected for simple projection functions", func() {
			spec := identityProjection()
			spec.Options = map[string]interface{}{"type": "bag"}
			_, err := m.Apply(RegisterProjection{
				Name:    "bad2",
				Pattern: path.MustParse("/stock/**"),
				Spec:    spec,
			})
			So(kerr.Is(err, kerr.UnexpectedOption), ShouldBeTrue)
			So(kerr.InfoOf(err)["value"], ShouldEqual, "bag")
		})

		Convey("no view table is left behind", func() {
			_, ok := m.Views().Get("bad")
			So(ok, ShouldBeFalse)
		})
	})
}

func TestProjectionErrorIsolation(t *testing.T) {
	Convey("A failing projection never rolls back the mutation", t, func() {
		m := New(nil)
		mustApply(m, RegisterProjection{
			Name:    "picky",
			Pattern: path.MustParse("/stock/**"),
			Spec: ProjectionSpec{
				Simple: func(p path.Path, data interface{}) (interface{}, interface{}, error) {
					if _, ok := data.(int); !ok {
						return nil, nil, kerr.NewFunctionClause("projection", "picky")
					}
					return p.String(), data, nil
				},
			},
		})

		mustApply(m, Put{Pattern: path.MustParse("/stock/wood/oak"), Payload: tree.Data("not-an-int")})

		Convey("the store still returns the new payload", func() {
			raw, err := m.Query(func(t *tree.Tree) (interface{}, error) {
				node, _ := t.Get(path.MustParsePath("/stock/wood/oak"))
				data, _ := node.Data()
				return data, nil
			})
			So(err, ShouldBeNil)
			So(raw, ShouldEqual, "not-an-int")
		})

		Convey("the view does not contain the path", func() {
			tbl, _ := m.Views().Get("picky")
			_, ok := tbl.Get("/stock/wood/oak")
			So(ok, ShouldBeFalse)
		})

		Convey("a panicking projection function is also contained", func() {
			mustApply(m, RegisterProjection{
				Name:    "explosive",
				Pattern: path.MustParse("/stock/**"),
				Spec: ProjectionSpec{
					Simple: func(p path.Path, data interface{}) (interface{}, interface{}, error) {
						panic("boom")
					},
				},
			})
			mustApply(m, Put{Pattern: path.MustParse("/stock/wood/pine"), Payload: tree.Data(30)})

			raw, _ := m.Query(func(t *tree.Tree) (interface{}, error) {
				node, _ := t.Get(path.MustParsePath("/stock/wood/pine"))
				data, _ := node.Data()
				return data, nil
			})
			So(raw, ShouldEqual, 30)
		})
	})
}

func TestExtendedProjection(t *testing.T) {
	Convey("Extended projections mutate their view themselves", t, func() {
		m := New(nil)
		mustApply(m, RegisterProjection{
			Name:    "members",
			Pattern: path.MustParse("/sets/*"),
			Spec: ProjectionSpec{
				Options: map[string]interface{}{"type": "bag"},
				Extended: func(tbl *view.Table, p path.Path, oldProps, newProps map[string]interface{}) error {
					oldSet, _ := eventData(oldProps)
					newSet, _ := eventData(newProps)
					for _, member := range asMembers(oldSet) {
						if !contains(asMembers(newSet), member) {
							tbl.DeleteRow(p.String(), member)
						}
					}
					for _, member := range asMembers(newSet) {
						if !contains(asMembers(oldSet), member) {
							tbl.Put(p.String(), member)
						}
					}
					return nil
				},
			},
		})
		tbl, _ := m.Views().Get("members")
		p := path.MustParse("/sets/tags")

		Convey("rows track the symmetric difference across updates", func() {
			mustApply(m, Put{Pattern: p, Payload: tree.Data([]interface{}{"a", "b", "c"})})
			So(tbl.GetAll("/sets/tags"), ShouldResemble, []interface{}{"a", "b", "c"})

			mustApply(m, Put{Pattern: p, Payload: tree.Data([]interface{}{"b", "d"})})
			So(tbl.GetAll("/sets/tags"), ShouldResemble, []interface{}{"b", "d"})

			mustApply(m, Delete{Pattern: p})
			So(tbl.Len(), ShouldEqual, 0)
		})
	})
}

func asMembers(v interface{}) []interface{} {
	members, _ := v.([]interface{})
	return members
}

func contains(members []interface{}, member interface{}) bool {
	for _, m := range members {
		if m == member {
			return true
		}
	}
	return false
}

func TestTriggers(t *testing.T) {
	Convey("Given registered triggers", t, func() {
		m := New(nil)
		sproc := path.MustParsePath("/procs/on_change")

		mustApply(m, RegisterTrigger{
			ID:        "low",
			Filter:    EventFilter{Pattern: path.MustParse("/stock/*"), Priority: 1},
			SprocPath: sproc,
		})
		mustApply(m, RegisterTrigger{
			ID: "high",
			Filter: EventFilter{
				Pattern:  path.MustParse("/stock/*"),
				Actions:  []Action{ActionCreate, ActionDelete},
				Priority: 10,
			},
			SprocPath: sproc,
		})
		m.PendingActivations()

		Convey("duplicate ids fail Exists", func() {
			_, err := m.Apply(RegisterTrigger{ID: "low", SprocPath: sproc})
			So(kerr.Is(err, kerr.Exists), ShouldBeTrue)
		})

		Convey("matching events queue activations in priority order", func() {
			mustApply(m, Put{Pattern: path.MustParse("/stock/oak"), Payload: tree.Data(1)})

			acts := m.PendingActivations()
			So(acts, ShouldHaveLength, 2)
			So(acts[0].TriggerID, ShouldEqual, "high")
			So(acts[1].TriggerID, ShouldEqual, "low")
			So(acts[0].Event.Action, ShouldEqual, ActionCreate)

			Convey("the queue drains on read", func() {
				So(m.PendingActivations(), ShouldHaveLength, 0)
			})
		})

		Convey("action filters drop uninteresting events", func() {
			mustApply(m, Put{Pattern: path.MustParse("/stock/oak"), Payload: tree.Data(1)})
			m.PendingActivations()

			mustApply(m, Put{Pattern: path.MustParse("/stock/oak"), Payload: tree.Data(2)})
			acts := m.PendingActivations()
			So(acts, ShouldHaveLength, 1)
			So(acts[0].TriggerID, ShouldEqual, "low")
			So(acts[0].Event.Action, ShouldEqual, ActionUpdate)
		})

		Convey("non-matching paths fire nothing", func() {
			mustApply(m, Put{Pattern: path.MustParse("/other/thing"), Payload: tree.Data(1)})
			So(m.PendingActivations(), ShouldHaveLength, 0)
		})
	})
}

func TestUnregisterProjection(t *testing.T) {
	Convey("Unregistering a projection drops its view", t, func() {
		m := New(nil)
		mustApply(m, RegisterProjection{
			Name:    "gone",
			Pattern: path.MustParse("/stock/**"),
			Spec:    identityProjection(),
		})
		So(m.HasProjection("gone"), ShouldBeTrue)

		mustApply(m, UnregisterProjection{Name: "gone"})
		So(m.HasProjection("gone"), ShouldBeFalse)
		_, ok := m.Views().Get("gone")
		So(ok, ShouldBeFalse)

		Convey("re-registering starts from an empty view again", func() {
			mustApply(m, Put{Pattern: path.MustParse("/stock/oak"), Payload: tree.Data(1)})
			mustApply(m, RegisterProjection{
				Name:    "gone",
				Pattern: path.MustParse("/stock/**"),
				Spec:    identityProjection(),
			})
			tbl, _ := m.Views().Get("gone")
			v, ok := tbl.Get("/stock/oak")
			So(ok, ShouldBeTrue)
			So(v, ShouldEqual, 1)
		})
	})
}
