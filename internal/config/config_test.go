package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestDefaults(t *testing.T) {
	Convey("The default configuration is complete and valid", t, func() {
		cfg := Default()

		So(cfg.Store.Name, ShouldEqual, "khepri")
		So(cfg.Store.CommandTimeout.Std(), ShouldEqual, 30*time.Second)
		So(cfg.Store.QueryFavor, ShouldEqual, "consistency")
		So(cfg.Logging.Color, ShouldEqual, "auto")
		So(cfg.Views.ReadConcurrency, ShouldBeTrue)
		So(cfg.Bridge.Enabled, ShouldBeFalse)
		So(cfg.Bridge.SubjectPrefix, ShouldEqual, "khepri.events")

		So(cfg.Validate(), ShouldBeNil)
	})
}

func TestLoadFile(t *testing.T) {
	Convey("Loading a configuration file layers over the defaults", t, func() {
		dir := t.TempDir()
		file := filepath.Join(dir, "khepri.yml")
		So(os.WriteFile(file, []byte(`
store:
  name: warehouse
  command_timeout: 5s
logging:
  debug: true
`), 0644), ShouldBeNil)

		cfg, err := Load(file)
		So(err, ShouldBeNil)
		So(cfg.Store.Name, ShouldEqual, "warehouse")
		So(cfg.Store.CommandTimeout.Std(), ShouldEqual, 5*time.Second)
		So(cfg.Store.QueryFavor, ShouldEqual, "consistency")
		So(cfg.Logging.Debug, ShouldBeTrue)

		Convey("a bad duration is rejected", func() {
			So(os.WriteFile(file, []byte("store:\n  command_timeout: fast\n"), 0644), ShouldBeNil)
			_, err := Load(file)
			So(err, ShouldNotBeNil)
		})

		Convey("a missing file is rejected", func() {
			_, err := Load(filepath.Join(dir, "nope.yml"))
			So(err, ShouldNotBeNil)
		})
	})
}

func TestEnvironmentOverrides(t *testing.T) {
	Convey("Environment variables override file and defaults", t, func() {
		t.Setenv("KHEPRI_STORE_NAME", "from-env")
		t.Setenv("KHEPRI_QUERY_FAVOR", "low_latency")
		t.Setenv("KHEPRI_DEBUG", "true")
		t.Setenv("KHEPRI_COMMAND_TIMEOUT", "2s")

		cfg, err := Load("")
		So(err, ShouldBeNil)
		So(cfg.Store.Name, ShouldEqual, "from-env")
		So(cfg.Store.QueryFavor, ShouldEqual, "low_latency")
		So(cfg.Logging.Debug, ShouldBeTrue)
		So(cfg.Store.CommandTimeout.Std(), ShouldEqual, 2*time.Second)

		Convey("invalid boolean values are reported", func() {
			t.Setenv("KHEPRI_DEBUG", "maybe")
			_, err := Load("")
			So(err, ShouldNotBeNil)
		})
	})
}

func TestValidation(t *testing.T) {
	Convey("Validation catches bad settings", t, func() {
		cfg := Default()

		Convey("bad query favor", func() {
			cfg.Store.QueryFavor = "eventual"
			result := cfg.Check()
			So(result.Valid(), ShouldBeFalse)
			So(result.Errors[0], ShouldContainSubstring, "query_favor")
		})

		Convey("bad color mode", func() {
			cfg.Logging.Color = "sometimes"
			So(cfg.Validate(), ShouldNotBeNil)
		})

		Convey("an enabled bridge needs a URL and prefix", func() {
			cfg.Bridge.Enabled = true
			cfg.Bridge.URL = ""
			So(cfg.Validate(), ShouldNotBeNil)
		})

		Convey("warnings do not fail validation", func() {
			cfg.Bridge.Enabled = true
			cfg.Bridge.ConnectTimeout = 0
			result := cfg.Check()
			So(result.Valid(), ShouldBeTrue)
			So(result.Warnings, ShouldNotBeEmpty)
		})
	})
}
