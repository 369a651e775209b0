package machine

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/triptych/khepri/pkg/khepri/kerr"
	"github.com/triptych/khepri/pkg/khepri/path"
	"github.com/triptych/khepri/pkg/khepri/tree"
)

func TestReadWriteTransaction(t *testing.T) {
	Convey("Given a machine with some stock", t, func() {
		m := New(nil)
		sink := &captureSink{}
		m.AddSink(sink)
		mustApply(m, Put{Pattern: path.MustParse("/stock/wood/oak"), Payload: tree.Data(80)})
		sink.events = nil

		Convey("a successful transaction commits its mutations atomically", func() {
			reply := mustApply(m, RunTransaction{Fun: func(tx *Tx) (interface{}, error) {
				current, err := tx.GetData(path.MustParse("/stock/wood/oak"))
				if err != nil {
					return nil, err
				}
				count := current.(int)
				if err := tx.Put(path.MustParse("/stock/wood/oak"), tree.Data(count-10)); err != nil {
					return nil, err
				}
				if err := tx.Put(path.MustParse("/orders/oak"), tree.Data(10)); err != nil {
					return nil, err
				}
				return count - 10, nil
			}})
			So(reply.Value, ShouldEqual, 70)

			So(sink.actions(), ShouldResemble, []string{
				"update /stock/wood/oak",
				"create /orders",
				"create /orders/oak",
			})

			raw, _ := m.Query(func(t *tree.Tree) (interface{}, error) {
				node, _ := t.Get(path.MustParsePath("/orders/oak"))
				data, _ := node.Data()
				return data, nil
			})
			So(raw, ShouldEqual, 10)
		})

		Convey("an abort rolls everything back", func() {
			_, err := m.Apply(RunTransaction{Fun: func(tx *Tx) (interface{}, error) {
				if err := tx.Put(path.MustParse("/stock/wood/oak"), tree.Data(0)); err != nil {
					return nil, err
				}
				return nil, tx.Abort("changed my mind")
			}})
			So(kerr.Is(err, kerr.Aborted), ShouldBeTrue)
			So(kerr.InfoOf(err)["reason"], ShouldEqual, "changed my mind")

			Convey("no events were dispatched and no state changed", func() {
				So(sink.events, ShouldHaveLength, 0)
				raw, _ := m.Query(func(t *tree.Tree) (interface{}, error) {
					node, _ := t.Get(path.MustParsePath("/stock/wood/oak"))
					data, _ := node.Data()
					return data, nil
				})
				So(raw, ShouldEqual, 80)
			})
		})

		Convey("a raised error surfaces as an exception, preserving the value", func() {
			_, err := m.Apply(RunTransaction{Fun: func(tx *Tx) (interface{}, error) {
				_ = tx.Put(path.MustParse("/stock/wood/oak"), tree.Data(0))
				panic("kaboom")
			}})
			So(kerr.Is(err, kerr.Exception), ShouldBeTrue)
			So(kerr.InfoOf(err)["value"], ShouldEqual, "kaboom")
			So(kerr.InfoOf(err)["trace"], ShouldNotBeEmpty)

			raw, _ := m.Query(func(t *tree.Tree) (interface{}, error) {
				node, _ := t.Get(path.MustParsePath("/stock/wood/oak"))
				data, _ := node.Data()
				return data, nil
			})
			So(raw, ShouldEqual, 80)
		})

		Convey("transaction deletes cascade keep-while watchers on commit", func() {
			mustApply(m, Put{
				Pattern: path.MustParse("/cache/oak"),
				Payload: tree.Data("cached"),
				Options: CommandOptions{KeepWhile: map[string]path.Component{
					"/stock/wood/oak": path.NodeExists{Exists: true},
				}},
			})

			mustApply(m, RunTransaction{Fun: func(tx *Tx) (interface{}, error) {
				return nil, tx.Delete(path.MustParse("/stock/wood/oak"))
			}})

			raw, _ := m.Query(func(t *tree.Tree) (interface{}, error) {
				_, ok := t.Get(path.MustParsePath("/cache/oak"))
				return ok, nil
			})
			So(raw, ShouldBeFalse)
		})
	})
}

func TestReadOnlyTransaction(t *testing.T) {
	Convey("Given a machine with some stock", t, func() {
		m := New(nil)
		mustApply(m, Put{Pattern: path.MustParse("/stock/wood/oak"), Payload: tree.Data(80)})

		Convey("reads see a consistent snapshot", func() {
			value, err := m.RunReadOnly(func(tx *Tx) (interface{}, error) {
				exists, err := tx.Exists(path.MustParse("/stock/wood/oak"))
				if err != nil || !exists {
					return nil, err
				}
				return tx.GetData(path.MustParse("/stock/wood/oak"))
			})
			So(err, ShouldBeNil)
			So(value, ShouldEqual, 80)
		})

		Convey("GetOr substitutes the default on absence", func() {
			value, err := m.RunReadOnly(func(tx *Tx) (interface{}, error) {
				return tx.GetOr(path.MustParse("/stock/wood/birch"), 0)
			})
			So(err, ShouldBeNil)
			So(value, ShouldEqual, 0)
		})

		Convey("mutating primitives are denied without touching state", func() {
			_, err := m.RunReadOnly(func(tx *Tx) (interface{}, error) {
				return nil, tx.Put(path.MustParse("/stock/wood/oak"), tree.Data(0))
			})
			So(kerr.Is(err, kerr.StoreUpdateDenied), ShouldBeTrue)

			_, err = m.RunReadOnly(func(tx *Tx) (interface{}, error) {
				return nil, tx.Delete(path.MustParse("/stock/wood/oak"))
			})
			So(kerr.Is(err, kerr.StoreUpdateDenied), ShouldBeTrue)

			raw, _ := m.Query(func(t *tree.Tree) (interface{}, error) {
				node, _ := t.Get(path.MustParsePath("/stock/wood/oak"))
				data, _ := node.Data()
				return data, nil
			})
			So(raw, ShouldEqual, 80)
		})
	})
}
