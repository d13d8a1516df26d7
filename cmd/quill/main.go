// Quill CLI - compiles Quill sources into client and server bundles
package main

import (
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/tliron/commonlog"
	"github.com/tliron/kutil/util"

	"github.com/chazu/quill/build"
	"github.com/chazu/quill/bundle"
	"github.com/chazu/quill/cache"
	"github.com/chazu/quill/compiler"
	"github.com/chazu/quill/manifest"
	"github.com/chazu/quill/pkg/bytecode"
	"github.com/chazu/quill/server"

	_ "github.com/tliron/commonlog/simple"
)

const version = "0.1.0"

var log = commonlog.GetLogger("quill.cli")

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: quill <command> [options] [file]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  compile  compile and write client.js, server.js, rpc.cbor and module.qbc\n")
	fmt.Fprintf(os.Stderr, "  build    alias for compile\n")
	fmt.Fprintf(os.Stderr, "  check    report diagnostics without writing output\n")
	fmt.Fprintf(os.Stderr, "  run      compile to bytecode and call a function\n")
	fmt.Fprintf(os.Stderr, "  disasm   print the bytecode module\n")
	fmt.Fprintf(os.Stderr, "  lsp      start the language server on stdio\n")
	fmt.Fprintf(os.Stderr, "  cache    show or prune the compile cache\n")
	fmt.Fprintf(os.Stderr, "  version  print the version\n")
	fmt.Fprintf(os.Stderr, "\nThe file defaults to the entry of the nearest %s.\n", manifest.FileName)
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  quill compile                # build the project into its out_dir\n")
	fmt.Fprintf(os.Stderr, "  quill check -borrow=false app.ql\n")
	fmt.Fprintf(os.Stderr, "  quill run -fn fib app.ql 20  # print fib(20)\n")
	fmt.Fprintf(os.Stderr, "  quill cache -prune 50\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		util.Exit(2)
	}

	cmd := os.Args[1]
	args := os.Args[2:]
	switch cmd {
	case "compile", "build":
		util.Exit(cmdCompile(args))
	case "check":
		util.Exit(cmdCheck(args))
	case "run":
		util.Exit(cmdRun(args))
	case "disasm":
		util.Exit(cmdDisasm(args))
	case "lsp":
		util.Exit(cmdLSP(args))
	case "cache":
		util.Exit(cmdCache(args))
	case "version":
		fmt.Println(version)
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "quill: unknown command %q\n\n", cmd)
		usage()
		util.Exit(2)
	}
}

// -----------------------------------------------------------------------------
// Shared configuration
// -----------------------------------------------------------------------------

// config holds the flags every compiling command accepts. Defaults come
// from the nearest quill.toml, so flags override the manifest.
type config struct {
	m  *manifest.Manifest
	fs *flag.FlagSet

	verbosity *int
	logPath   *string
	borrow    *bool
	bytecode  *bool
	rpcPrefix *string
	runtime   *string
	useCache  *bool
}

func newConfig(name string) (*config, error) {
	m, err := manifest.FindAndLoad(".")
	if err != nil {
		return nil, err
	}
	if m == nil {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		m = manifest.Default(wd)
	}

	c := &config{m: m, fs: flag.NewFlagSet(name, flag.ContinueOnError)}
	c.verbosity = c.fs.Int("v", 0, "log verbosity (1 info, 2 debug)")
	c.logPath = c.fs.String("log", "", "write logs to this file instead of stderr")
	c.borrow = c.fs.Bool("borrow", m.Build.BorrowCheck, "run the borrow checker")
	c.bytecode = c.fs.Bool("bytecode", m.Build.Bytecode, "compile the bytecode module")
	c.rpcPrefix = c.fs.String("rpc-prefix", m.Build.RPCPrefix, "URL prefix of generated endpoints")
	c.runtime = c.fs.String("runtime", m.Build.Runtime, "module the bundles import their runtime from")
	c.useCache = c.fs.Bool("cache", m.Build.Cache != "", "use the compile cache configured in "+manifest.FileName)
	return c, nil
}

func (c *config) parse(args []string) error {
	if err := c.fs.Parse(args); err != nil {
		return err
	}
	var path *string
	if *c.logPath != "" {
		path = c.logPath
	}
	commonlog.Configure(*c.verbosity, path)
	if c.m.Dir != "" {
		log.Debugf("project %s in %s", c.m.Project.Name, c.m.Dir)
	}
	return nil
}

func (c *config) options() build.Options {
	opts := build.DefaultOptions()
	opts.Module = c.m.Project.Name
	opts.BorrowCheck = *c.borrow
	opts.Bytecode = *c.bytecode
	opts.RPCPrefix = *c.rpcPrefix
	opts.Runtime = *c.runtime
	return opts
}

// source returns the file named by the first positional argument, falling
// back to the manifest entry.
func (c *config) source() (string, []byte, error) {
	path := c.fs.Arg(0)
	if path == "" {
		path = c.m.EntryPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, err
	}
	return path, data, nil
}

// compile builds the selected source and prints its diagnostics. The
// returned code is non-zero when the build failed.
func (c *config) compile(opts build.Options) (*build.Result, int) {
	path, src, err := c.source()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return nil, 1
	}

	if *c.useCache && c.m.CachePath() != "" {
		cc, err := cache.Open(c.m.CachePath())
		if err != nil {
			log.Warningf("compile cache disabled: %s", err)
		} else {
			defer cc.Close()
			opts.Cache = cc
		}
	}

	r := build.Compile(filepath.Base(path), src, opts)
	printDiagnostics(r.Diagnostics, filepath.Base(path), string(src))
	if r.HasErrors() {
		return r, 1
	}
	return r, 0
}

func printDiagnostics(diags []*compiler.Diagnostic, filename, source string) {
	errs, warnings := 0, 0
	for _, d := range diags {
		fmt.Fprint(os.Stderr, d.Format(filename, source))
		if d.Severity == compiler.SeverityError {
			errs++
		} else {
			warnings++
		}
	}
	if errs+warnings > 0 {
		fmt.Fprintf(os.Stderr, "%s: %d error(s), %d warning(s)\n", filename, errs, warnings)
	}
}

// -----------------------------------------------------------------------------
// Commands
// -----------------------------------------------------------------------------

func cmdCompile(args []string) int {
	c, err := newConfig("compile")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading manifest: %v\n", err)
		return 1
	}
	outDir := c.fs.String("o", c.m.OutPath(), "output directory")
	if err := c.parse(args); err != nil {
		return 2
	}

	r, code := c.compile(c.options())
	if code != 0 {
		return code
	}
	if err := writeOutputs(*outDir, r); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	cached := ""
	if r.Cached {
		cached = " (cached)"
	}
	fmt.Printf("built %s: %d endpoint(s)%s\n", *outDir, len(r.Manifest.Endpoints), cached)
	return 0
}

// writeOutputs writes the bundles, the endpoint manifest and, when built,
// the bytecode module into dir.
func writeOutputs(dir string, r *build.Result) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	manifestData, err := bundle.EncodeManifest(r.Manifest)
	if err != nil {
		return err
	}
	files := map[string][]byte{
		"client.js": []byte(r.Client),
		"server.js": []byte(r.Server),
		"rpc.cbor":  manifestData,
	}
	if r.Module != nil {
		data, err := bytecode.Encode(r.Module)
		if err != nil {
			return err
		}
		files["module.qbc"] = data
	}
	for name, data := range files {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
		log.Infof("wrote %s (%d bytes)", path, len(data))
	}
	return nil
}

func cmdCheck(args []string) int {
	c, err := newConfig("check")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading manifest: %v\n", err)
		return 1
	}
	if err := c.parse(args); err != nil {
		return 2
	}
	_, code := c.compile(c.options())
	return code
}

func cmdRun(args []string) int {
	c, err := newConfig("run")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading manifest: %v\n", err)
		return 1
	}
	fn := c.fs.String("fn", "main", "function to call")
	if err := c.parse(args); err != nil {
		return 2
	}

	var callArgs []uint64
	for _, a := range c.fs.Args()[min(1, c.fs.NArg()):] {
		v, err := parseArg(a)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: argument %q: %v\n", a, err)
			return 2
		}
		callArgs = append(callArgs, v)
	}

	opts := c.options()
	opts.Bytecode = true
	r, code := c.compile(opts)
	if code != 0 {
		return code
	}
	if r.Module == nil {
		fmt.Fprintln(os.Stderr, "Error: no bytecode module was produced")
		return 1
	}

	result, err := bytecode.NewVM(r.Module, bytecode.NewRuntimeHost(os.Stdout)).Invoke(*fn, callArgs...)
	if err != nil {
		var trap *bytecode.Trap
		if errors.As(err, &trap) {
			fmt.Fprintf(os.Stderr, "trap: %v\n", trap)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	fmt.Println(formatResult(r, *fn, result))
	return 0
}

// parseArg accepts integers, floats and booleans as bytecode words.
func parseArg(s string) (uint64, error) {
	if i, err := strconv.ParseInt(s, 0, 64); err == nil {
		return uint64(i), nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return math.Float64bits(f), nil
	}
	if b, err := strconv.ParseBool(s); err == nil {
		if b {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("not a number or boolean")
}

// formatResult renders a returned word using the declared result type when
// the analysis is available.
func formatResult(r *build.Result, fn string, word uint64) string {
	if r.Analysis != nil {
		if sym := r.Analysis.Lookup(fn); sym != nil {
			if kt, ok := sym.Type.(compiler.KnownType); ok {
				if f, ok := kt.Shape.(compiler.FuncShape); ok {
					if p, ok := compiler.PrimitiveOf(f.Result); ok {
						switch p {
						case compiler.PrimFloat:
							return strconv.FormatFloat(math.Float64frombits(word), 'g', -1, 64)
						case compiler.PrimBool:
							return strconv.FormatBool(word != 0)
						case compiler.PrimUnit:
							return "()"
						}
					}
				}
			}
		}
	}
	return strconv.FormatInt(int64(word), 10)
}

func cmdDisasm(args []string) int {
	c, err := newConfig("disasm")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading manifest: %v\n", err)
		return 1
	}
	if err := c.parse(args); err != nil {
		return 2
	}
	opts := c.options()
	opts.Bytecode = true
	r, code := c.compile(opts)
	if code != 0 {
		return code
	}
	if r.Module == nil {
		fmt.Fprintln(os.Stderr, "Error: no bytecode module was produced")
		return 1
	}
	fmt.Print(r.Module.Disassemble())
	return 0
}

func cmdLSP(args []string) int {
	c, err := newConfig("lsp")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading manifest: %v\n", err)
		return 1
	}
	if err := c.parse(args); err != nil {
		return 2
	}
	if err := server.NewLSP(c.options()).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		return 1
	}
	return 0
}

func cmdCache(args []string) int {
	c, err := newConfig("cache")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading manifest: %v\n", err)
		return 1
	}
	prune := c.fs.Int("prune", -1, "keep only the newest N entries")
	if err := c.parse(args); err != nil {
		return 2
	}

	path := c.m.CachePath()
	if path == "" {
		fmt.Fprintf(os.Stderr, "Error: no [build] cache configured in %s\n", manifest.FileName)
		return 1
	}
	cc, err := cache.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer cc.Close()

	if *prune >= 0 {
		removed, err := cc.Prune(*prune)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Printf("removed %d entries\n", removed)
	}
	n, err := cc.Len()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("%s: %d entries\n", cc.Path(), n)
	return 0
}
