// Package build runs the Quill compilation pipeline over one source file:
// parse, analyze, borrow check, split, emit the script bundles and, when
// enabled, the bytecode module.
package build

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/tliron/commonlog"

	"github.com/chazu/quill/bundle"
	"github.com/chazu/quill/cache"
	"github.com/chazu/quill/compiler"
	"github.com/chazu/quill/pkg/bytecode"
)

var log = commonlog.GetLogger("quill.build")

// Options controls a compilation.
type Options struct {
	Module      string // name recorded in the endpoint manifest
	BorrowCheck bool
	Bytecode    bool
	RPCPrefix   string
	Runtime     string

	// Environment manages closure environments in the bytecode target.
	// Nil selects compiler.UnmanagedEnvironment.
	Environment compiler.EnvironmentPolicy

	// Cache, when set, is consulted before compiling and updated after
	// every compilation without errors.
	Cache *cache.Cache
}

// DefaultOptions returns the options used when no manifest is present.
func DefaultOptions() Options {
	return Options{
		Module:      "main",
		BorrowCheck: true,
		Bytecode:    true,
		RPCPrefix:   bundle.DefaultRPCPrefix,
		Runtime:     bundle.DefaultRuntime,
	}
}

// Result holds everything one compilation produced. The syntax tree,
// analysis and partition are nil when the result came from the cache.
type Result struct {
	File      *compiler.File
	Analysis  *compiler.Analysis
	Partition *bundle.Partition
	Lambdas   *compiler.LambdaTable

	Client   string
	Server   string
	Manifest *bundle.Manifest
	Module   *bytecode.Module // nil when bytecode is disabled or errors occurred

	Diagnostics []*compiler.Diagnostic
	Cached      bool
}

// HasErrors reports whether any diagnostic is an error.
func (r *Result) HasErrors() bool {
	return compiler.HasErrors(r.Diagnostics)
}

// Compile compiles source. Every diagnostic from every pass that ran is
// returned sorted by position; later passes run only while no errors have
// been reported.
func Compile(filename string, source []byte, opts Options) *Result {
	start := time.Now()
	key := ""
	if opts.Cache != nil {
		key = cacheKey(source, opts)
		if r, err := fromCache(opts.Cache, key); err == nil {
			log.Infof("%s: cached build", filename)
			return r
		} else if !errors.Is(err, cache.ErrNotFound) {
			log.Warningf("%s: ignoring cache entry: %s", filename, err)
		}
	}

	r := compile(filename, source, opts)
	compiler.SortDiagnostics(r.Diagnostics)
	log.Infof("%s: compiled in %s with %d diagnostics", filename, time.Since(start).Round(time.Microsecond), len(r.Diagnostics))

	if opts.Cache != nil && !r.HasErrors() {
		if err := store(opts.Cache, key, r); err != nil {
			log.Warningf("%s: not cached: %s", filename, err)
		}
	}
	return r
}

func compile(filename string, source []byte, opts Options) *Result {
	r := &Result{}
	file, diags := compiler.Parse(filename, string(source))
	r.File = file
	r.Diagnostics = append(r.Diagnostics, diags...)

	a := compiler.Analyze(file)
	r.Analysis = a
	r.Diagnostics = append(r.Diagnostics, a.Diagnostics...)
	if r.HasErrors() {
		return r
	}

	if opts.BorrowCheck {
		r.Diagnostics = append(r.Diagnostics, compiler.CheckBorrows(file, a)...)
		log.Debugf("%s: borrow check done", filename)
	}

	p, diags := bundle.Split(file, a)
	r.Partition = p
	r.Diagnostics = append(r.Diagnostics, diags...)
	if r.HasErrors() {
		return r
	}
	log.Debugf("%s: %d shared, %d server, %d client, %d remote", filename, len(p.Shared), len(p.Server), len(p.Client), len(p.Remote))

	out, diags := bundle.Emit(p, bundle.Options{RPCPrefix: opts.RPCPrefix, Runtime: opts.Runtime})
	r.Diagnostics = append(r.Diagnostics, diags...)
	if r.HasErrors() {
		return r
	}
	r.Client, r.Server = out.Client, out.Server
	r.Manifest = bundle.NewManifest(opts.Module, source, out.Endpoints)

	if opts.Bytecode {
		r.Lambdas = compiler.CollectLambdas(file)
		m, diags := compiler.GenerateWithOptions(file, r.Lambdas, a, compiler.CodegenOptions{Environment: opts.Environment})
		r.Diagnostics = append(r.Diagnostics, diags...)
		if !compiler.HasErrors(diags) {
			r.Module = m
			log.Debugf("%s: %d functions, %d lambdas", filename, len(m.Functions), r.Lambdas.Len())
		}
	}
	return r
}

// cacheKey covers every option that changes the output.
func cacheKey(source []byte, opts Options) string {
	env := "unmanaged"
	if opts.Environment != nil {
		env = fmt.Sprintf("%T", opts.Environment)
	}
	return cache.Key(source,
		"module="+opts.Module,
		"borrow="+strconv.FormatBool(opts.BorrowCheck),
		"bytecode="+strconv.FormatBool(opts.Bytecode),
		"rpc="+opts.RPCPrefix,
		"runtime="+opts.Runtime,
		"env="+env,
	)
}

func store(c *cache.Cache, key string, r *Result) error {
	manifest, err := bundle.EncodeManifest(r.Manifest)
	if err != nil {
		return err
	}
	var module []byte
	if r.Module != nil {
		if module, err = bytecode.Encode(r.Module); err != nil {
			return err
		}
	}
	diags, err := cbor.Marshal(r.Diagnostics)
	if err != nil {
		return fmt.Errorf("encoding diagnostics: %w", err)
	}
	return c.Put(&cache.Entry{
		Key:         key,
		Client:      r.Client,
		Server:      r.Server,
		Manifest:    manifest,
		Module:      module,
		Diagnostics: diags,
	})
}

func fromCache(c *cache.Cache, key string) (*Result, error) {
	e, err := c.Get(key)
	if err != nil {
		return nil, err
	}
	r := &Result{Client: e.Client, Server: e.Server, Cached: true}
	if r.Manifest, err = bundle.DecodeManifest(e.Manifest); err != nil {
		return nil, err
	}
	if e.Module != nil {
		if r.Module, err = bytecode.Decode(e.Module); err != nil {
			return nil, fmt.Errorf("decoding cached module: %w", err)
		}
	}
	if len(e.Diagnostics) > 0 {
		if err := cbor.Unmarshal(e.Diagnostics, &r.Diagnostics); err != nil {
			return nil, fmt.Errorf("decoding cached diagnostics: %w", err)
		}
	}
	return r, nil
}
