// fzb CLI - inspect, disassemble and run Fusabi plugin bytecode
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/scarablabs/fusabi/bundle"
	"github.com/scarablabs/fusabi/manifest"
	"github.com/scarablabs/fusabi/vm"
)

var log = commonlog.GetLogger("fzb")

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: fzb <command> [options] <file>\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  inspect  Show container header, constants, imports and functions\n")
	fmt.Fprintf(os.Stderr, "  disasm   Disassemble every function\n")
	fmt.Fprintf(os.Stderr, "  run      Execute the plugin and print its result\n\n")
	fmt.Fprintf(os.Stderr, "Files may be raw .fzb bytecode or .fzbundle distribution bundles.\n\n")
	fmt.Fprintf(os.Stderr, "Examples:\n")
	fmt.Fprintf(os.Stderr, "  fzb inspect plugin.fzb\n")
	fmt.Fprintf(os.Stderr, "  fzb run plugin.fzb -allow io.print\n")
	fmt.Fprintf(os.Stderr, "  fzb run -entry report plugin.fzbundle\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "inspect":
		err = cmdInspect(os.Args[2:])
	case "disasm":
		err = cmdDisasm(os.Args[2:])
	case "run":
		err = cmdRun(os.Args[2:])
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// open loads a container and any associated manifest. Bundles carry
// their manifest inline; raw .fzb files pick up a fusabi.toml next to
// the file when one exists.
func open(path string) (*vm.Container, *manifest.Manifest, error) {
	if filepath.Ext(path) == ".fzbundle" {
		return bundle.Open(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	container, err := vm.Load(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := container.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	log.Debugf("loaded and validated %s (%d bytes)", path, len(data))

	m, err := manifest.FindAndLoad(filepath.Dir(path))
	if err != nil {
		return nil, nil, err
	}
	return container, m, nil
}

func cmdInspect(args []string) error {
	flags := flag.NewFlagSet("inspect", flag.ExitOnError)
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("inspect expects exactly one file")
	}

	c, m, err := open(flags.Arg(0))
	if err != nil {
		return err
	}

	fmt.Printf("version:     %d\n", c.Version())
	fmt.Printf("entry point: %d (%s)\n", c.EntryPoint(), c.Function(c.EntryPoint()).Name)
	if m != nil {
		fmt.Printf("manifest:    %s %s\n", m.Plugin.Name, m.Plugin.Version)
	}

	fmt.Printf("\nconstants (%d):\n", c.NumConstants())
	for i := 0; i < c.NumConstants(); i++ {
		v := c.Constant(uint32(i))
		fmt.Printf("  %4d  %-6s %s\n", i, v.TypeName(), v)
	}

	fmt.Printf("\nffi imports (%d):\n", c.NumFFIImports())
	for i := 0; i < c.NumFFIImports(); i++ {
		fmt.Printf("  %4d  %s\n", i, c.FFIImportName(uint32(i)))
	}

	fmt.Printf("\nfunctions (%d):\n", c.NumFunctions())
	for i := 0; i < c.NumFunctions(); i++ {
		fn := c.Function(uint32(i))
		params := make([]string, len(fn.Params))
		for j, p := range fn.Params {
			params[j] = p.String()
		}
		fmt.Printf("  %4d  %s(%s) %s  locals=%d code=%dB\n",
			i, fn.Name, strings.Join(params, ", "), fn.Return, fn.Locals, len(fn.Code))
	}
	return nil
}

func cmdDisasm(args []string) error {
	flags := flag.NewFlagSet("disasm", flag.ExitOnError)
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("disasm expects exactly one file")
	}

	c, _, err := open(flags.Arg(0))
	if err != nil {
		return err
	}

	for i := 0; i < c.NumFunctions(); i++ {
		fn := c.Function(uint32(i))
		if i > 0 {
			fmt.Println()
		}
		fmt.Printf("%s:\n", fn.Name)
		listing := vm.Disassemble(fn.Code)
		if listing == "" {
			fmt.Println("  <empty>")
			continue
		}
		for _, line := range strings.Split(listing, "\n") {
			fmt.Printf("  %s\n", line)
		}
	}
	return nil
}

func cmdRun(args []string) error {
	flags := flag.NewFlagSet("run", flag.ExitOnError)
	entry := flags.String("entry", "", "Function name to run instead of the entry point")
	allow := flags.String("allow", "", "Comma-separated capabilities to grant (overrides the manifest)")
	verbosity := flags.Int("v", 0, "Log verbosity")
	showStats := flags.Bool("stats", false, "Print execution stats after the run")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("run expects exactly one file")
	}
	commonlog.Configure(*verbosity, nil)

	c, m, err := open(flags.Arg(0))
	if err != nil {
		return err
	}

	opts := []vm.Option{}
	switch {
	case *allow != "":
		opts = append(opts, vm.WithPolicy(vm.NewRestrictedPolicy(strings.Split(*allow, ","))))
	case m != nil:
		opts = append(opts, vm.WithPolicy(m.Policy()))
	}
	if m != nil {
		opts = append(opts, vm.WithLimits(m.VmLimits()))
	}

	engine, err := vm.New(c, vm.NewStandardRegistry(), opts...)
	if err != nil {
		return err
	}

	entryName := *entry
	if entryName == "" && m != nil {
		entryName = m.Plugin.Entry
	}

	var result vm.Value
	if entryName != "" {
		idx, ok := c.FunctionIndexByName(entryName)
		if !ok {
			return fmt.Errorf("no function named %q", entryName)
		}
		result, err = engine.ExecuteFunction(idx)
	} else {
		result, err = engine.Execute()
	}
	if err != nil {
		return err
	}

	fmt.Println(result)
	if *showStats {
		stats := engine.Stats()
		fmt.Fprintf(os.Stderr, "instructions: %d\n", stats.Instructions)
		fmt.Fprintf(os.Stderr, "ffi calls:    %d\n", stats.FfiCalls)
		fmt.Fprintf(os.Stderr, "stack peak:   %d values, %d frames\n",
			stats.MaxValueStackDepth, stats.MaxCallDepth)
		fmt.Fprintf(os.Stderr, "heap peak:    %d bytes\n", stats.BytesAllocated)
	}
	return nil
}
