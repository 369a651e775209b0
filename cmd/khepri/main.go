package main

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/cppforlife/go-patch/patch"
	"github.com/geofffranks/simpleyaml"
	"github.com/geofffranks/yaml"
	"github.com/gonvenience/ytbx"
	"github.com/homeport/dyff/pkg/dyff"
	"github.com/mattn/go-isatty"
	"github.com/starkandwayne/goutils/ansi"
	"github.com/starkandwayne/goutils/tree"
	"github.com/voxelbrain/goptions"

	"github.com/triptych/khepri/log"
	"github.com/triptych/khepri/pkg/khepri"
	"github.com/triptych/khepri/pkg/khepri/kerr"
	ktree "github.com/triptych/khepri/pkg/khepri/tree"
)

// Version holds the current version of khepri
var Version = "(development)"

var printfStdOut = func(format string, args ...interface{}) {
	fmt.Fprintf(os.Stdout, format, args...)
}

var getopts = func(o interface{}) {
	err := goptions.Parse(o)
	if err != nil {
		usage()
	}
}

var exit = func(code int) {
	os.Exit(code)
}

var usage = func() {
	goptions.PrintHelp()
	exit(1)
}

func envFlag(varname string) bool {
	val := os.Getenv(varname)
	return val != "" && strings.ToLower(val) != "false" && val != "0"
}

type datasetOpts struct {
	Ops   string             `goptions:"--ops, description='Apply a go-patch ops file to each dataset before loading'"`
	Help  bool               `goptions:"--help, -h"`
	Files goptions.Remainder `goptions:"description='Dataset files to load into the store. To read STDIN, specify a filename of \\'-\\'.'"`
}

type nodeOpts struct {
	Path  string             `goptions:"--path, description='Tree path, e.g. /stock/wood/oak or /:emails/alice'"`
	Value string             `goptions:"--value, description='YAML value to store (put only)'"`
	Field string             `goptions:"--field, description='Extract a sub-document of the node data (dot-separated cursor)'"`
	Help  bool               `goptions:"--help, -h"`
	Files goptions.Remainder `goptions:"description='Dataset files to load before running the operation'"`
}

func main() {
	var options struct {
		Debug   bool   `goptions:"-D, --debug, description='Enable debugging'"`
		Trace   bool   `goptions:"-T, --trace, description='Enable trace mode debugging (very verbose)'"`
		Version bool   `goptions:"-v, --version, description='Display version information'"`
		Color   string `goptions:"--color, description='Control color output (on/off/auto, default: auto)'"`
		Action  goptions.Verbs
		Load    datasetOpts `goptions:"load"`
		Get     nodeOpts    `goptions:"get"`
		Put     nodeOpts    `goptions:"put"`
		Delete  nodeOpts    `goptions:"delete"`
		Diff    struct {
			Files goptions.Remainder `goptions:"description='Show the semantic differences between two exported trees'"`
		} `goptions:"diff"`
	}
	getopts(&options)

	if envFlag("DEBUG") || options.Debug {
		log.DebugOn = true
	}
	if envFlag("TRACE") || options.Trace {
		log.TraceOn = true
		log.DebugOn = true
	}

	if options.Load.Help || options.Get.Help || options.Put.Help || options.Delete.Help {
		usage()
		return
	}

	if options.Version {
		printfStdOut("%s - Version %s\n", os.Args[0], Version)
		exit(0)
		return
	}

	shouldEnableColor := false
	switch options.Color {
	case "on":
		shouldEnableColor = true
	case "off":
		shouldEnableColor = false
	case "auto", "":
		shouldEnableColor = isatty.IsTerminal(os.Stderr.Fd())
	default:
		log.PrintfStdErr("Invalid --color option: %s. Must be 'on', 'off', or 'auto'.\n", options.Color)
		exit(1)
		return
	}
	ansi.Color(shouldEnableColor)

	switch options.Action {
	case "load":
		store, err := loadStore(options.Load.Files, options.Load.Ops)
		if err != nil {
			log.PrintfStdErr("%s\n", err.Error())
			exit(2)
			return
		}
		defer store.Close()
		if err := exportStore(store); err != nil {
			log.PrintfStdErr("%s\n", err.Error())
			exit(2)
			return
		}

	case "get":
		if err := cmdGet(options.Get); err != nil {
			log.PrintfStdErr("%s\n", err.Error())
			exit(2)
			return
		}

	case "put":
		if err := cmdPut(options.Put); err != nil {
			log.PrintfStdErr("%s\n", err.Error())
			exit(2)
			return
		}

	case "delete":
		if err := cmdDelete(options.Delete); err != nil {
			log.PrintfStdErr("%s\n", err.Error())
			exit(2)
			return
		}

	case "diff":
		if options.Color == "auto" || options.Color == "" {
			ansi.Color(isatty.IsTerminal(os.Stdout.Fd()))
		}
		if len(options.Diff.Files) != 2 {
			usage()
			return
		}
		output, differences, err := diffFiles(options.Diff.Files)
		if err != nil {
			log.PrintfStdErr("%s\n", err)
			exit(2)
			return
		}
		printfStdOut("%s\n", output)
		if differences {
			exit(1)
		}

	default:
		usage()
		return
	}
	exit(0)
}

func readFile(file string) ([]byte, error) {
	if file == "-" {
		stat, err := os.Stdin.Stat()
		if err != nil {
			return nil, ansi.Errorf("@R{Error statting STDIN} - Bailing out: %s\n", err)
		}
		if stat.Mode()&os.ModeCharDevice == 0 {
			raw, err := bufio.NewReader(os.Stdin).ReadBytes(0)
			if err != nil && err.Error() != "EOF" {
				return nil, ansi.Errorf("@R{Error reading STDIN}: %s\n", err)
			}
			return raw, nil
		}
		return nil, ansi.Errorf("@R{STDIN is not a pipe}\n")
	}

	raw, err := os.ReadFile(file)
	if err != nil {
		return nil, ansi.Errorf("@R{Error reading file} @m{%s}: %s\n", file, err)
	}
	return raw, nil
}

func parseDataset(data []byte) (map[interface{}]interface{}, error) {
	y, err := simpleyaml.NewYaml(data)
	if err != nil {
		return nil, err
	}

	if emptyY, _ := simpleyaml.NewYaml([]byte{}); *y == *emptyY {
		log.DEBUG("dataset is empty, creating empty hash/map")
		return make(map[interface{}]interface{}), nil
	}

	doc, err := y.Map()
	if err != nil {
		if _, arrayErr := y.Array(); arrayErr == nil {
			return nil, ansi.Errorf("@R{Root of dataset is not a hash/map}: lists cannot form a tree\n")
		}
		return nil, ansi.Errorf("@R{Root of dataset is not a hash/map}: %s\n", err.Error())
	}
	return doc, nil
}

func parseGoPatch(data []byte) (patch.Ops, error) {
	opdefs := []patch.OpDefinition{}
	err := yaml.Unmarshal(data, &opdefs)
	if err != nil {
		return nil, ansi.Errorf("@R{Unable to parse ops file}: %s\n", err)
	}
	ops, err := patch.NewOpsFromDefinitions(opdefs)
	if err != nil {
		return nil, ansi.Errorf("@R{Unable to build go-patch ops}: %s\n", err)
	}
	return ops, nil
}

// loadStore opens an in-process store and imports each dataset file,
// optionally transformed through a go-patch ops file first.
func loadStore(files []string, opsFile string) (*khepri.Store, error) {
	var ops patch.Ops
	if opsFile != "" {
		raw, err := readFile(opsFile)
		if err != nil {
			return nil, err
		}
		ops, err = parseGoPatch(raw)
		if err != nil {
			return nil, err
		}
	}

	store, err := khepri.Open()
	if err != nil {
		return nil, err
	}

	for _, file := range files {
		log.DEBUG("loading dataset %s", file)
		raw, err := readFile(file)
		if err != nil {
			store.Close()
			return nil, err
		}

		doc, err := parseDataset(raw)
		if err != nil {
			store.Close()
			return nil, ansi.Errorf("@R{Unable to parse} @m{%s}: %s\n", file, err)
		}

		if ops != nil {
			patched, err := ops.Apply(doc)
			if err != nil {
				store.Close()
				return nil, ansi.Errorf("@R{go-patch of} @m{%s} @R{failed}: %s\n", file, err)
			}
			m, ok := patched.(map[interface{}]interface{})
			if !ok {
				store.Close()
				return nil, ansi.Errorf("@R{go-patch of} @m{%s} @R{did not yield a hash/map}\n", file)
			}
			doc = m
		}

		raw, err = yaml.Marshal(doc)
		if err != nil {
			store.Close()
			return nil, err
		}

		if err := store.Import(bytes.NewReader(raw)); err != nil {
			store.Close()
			return nil, ansi.Errorf("@R{Unable to load} @m{%s}: %s\n", file, err)
		}
	}
	return store, nil
}

func exportStore(store *khepri.Store) error {
	var buf bytes.Buffer
	if err := store.Export(&buf); err != nil {
		return ansi.Errorf("@R{Unable to convert tree back to YAML}: %s\n", err)
	}
	printfStdOut("%s", buf.String())
	return nil
}

func cmdGet(opts nodeOpts) error {
	if opts.Path == "" {
		return ansi.Errorf("@R{--path is required}")
	}
	store, err := loadStore(opts.Files, "")
	if err != nil {
		return err
	}
	defer store.Close()

	data, err := store.GetData(opts.Path)
	if err != nil {
		if kerr.Is(err, kerr.NodeNotFound) {
			return ansi.Errorf("@R{%s: no such node}", opts.Path)
		}
		return err
	}

	if opts.Field != "" {
		cursor, err := tree.ParseCursor(opts.Field)
		if err != nil {
			return ansi.Errorf("@R{Invalid --field} @m{%s}: %s", opts.Field, err)
		}
		data, err = cursor.Resolve(data)
		if err != nil {
			return ansi.Errorf("@R{%s has no field} @m{%s}", opts.Path, opts.Field)
		}
	}

	out, err := yaml.Marshal(data)
	if err != nil {
		return err
	}
	printfStdOut("%s", string(out))
	return nil
}

func cmdPut(opts nodeOpts) error {
	if opts.Path == "" {
		return ansi.Errorf("@R{--path is required}")
	}
	store, err := loadStore(opts.Files, "")
	if err != nil {
		return err
	}
	defer store.Close()

	var value interface{}
	if err := yaml.Unmarshal([]byte(opts.Value), &value); err != nil {
		return ansi.Errorf("@R{Unable to parse --value}: %s", err)
	}
	if err := store.Put(opts.Path, ktree.Data(value)); err != nil {
		return err
	}
	return exportStore(store)
}

func cmdDelete(opts nodeOpts) error {
	if opts.Path == "" {
		return ansi.Errorf("@R{--path is required}")
	}
	store, err := loadStore(opts.Files, "")
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Delete(opts.Path); err != nil {
		return err
	}
	return exportStore(store)
}

func diffFiles(paths []string) (string, bool, error) {
	if len(paths) != 2 {
		return "", false, ansi.Errorf("incorrect number of files given to diffFiles(); please file a bug report")
	}

	from, to, err := ytbx.LoadFiles(paths[0], paths[1])
	if err != nil {
		return "", false, err
	}

	report, err := dyff.CompareInputFiles(from, to)
	if err != nil {
		return "", false, err
	}

	reportWriter := &dyff.HumanReport{
		Report:            report,
		DoNotInspectCerts: false,
		NoTableStyle:      false,
		OmitHeader:        true,
	}

	var buf bytes.Buffer
	out := bufio.NewWriter(&buf)
	reportWriter.WriteReport(out)
	out.Flush()

	return buf.String(), len(report.Diffs) > 0, nil
}
