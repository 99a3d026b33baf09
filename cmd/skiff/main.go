// skiff CLI - boots a runtime from skiff.toml and runs the built-in demo
// program against it.
package main

import (
	"flag"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/chazu/skiff/config"
	"github.com/chazu/skiff/ffi"
	"github.com/chazu/skiff/pool"
	"github.com/chazu/skiff/vm"
)

// Point is exposed to scripts through the c module's reflection registry.
type Point struct {
	X float64
	Y float64
}

func main() {
	verbose := flag.Bool("v", false, "Verbose output")
	dir := flag.String("C", ".", "Directory to search for skiff.toml")
	n := flag.Int("n", 10, "Sum the squares of 0..n-1")
	hosts := flag.Int("hosts", 1, "Number of host goroutines running the program concurrently")
	disasm := flag.Bool("disasm", false, "Print the program's bytecode and exit")
	snapshot := flag.String("snapshot", "", "Write a CBOR heap snapshot to this file after running")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: skiff [options]\n\n")
		fmt.Fprintf(os.Stderr, "Boots a VM configured by the nearest skiff.toml and runs a generator demo.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  skiff -n 100              # sum of squares below 100\n")
		fmt.Fprintf(os.Stderr, "  skiff -hosts 8 -v         # eight goroutines sharing one VM\n")
		fmt.Fprintf(os.Stderr, "  skiff -snapshot heap.cbor # dump heap census\n")
	}
	flag.Parse()

	cfg, err := config.FindAndLoad(*dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if *verbose && cfg.Log.Verbosity == 0 {
		cfg.Log.Verbosity = 1
	}
	cfg.Apply()

	workers := pool.New(cfg.Pool.Workers)
	defer workers.Close()

	vmInst := vm.NewVM(vm.WithConfig(cfg))
	if err := setup(vmInst, workers); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	program := mainCode(*n)
	if *disasm {
		fmt.Print(squaresCode().Disassemble())
		fmt.Print(program.Disassemble())
		return
	}

	results := make([]vm.Value, *hosts)
	errs := make([]error, *hosts)
	var wg sync.WaitGroup
	for i := 0; i < *hosts; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = vmInst.Do(func(v *vm.VM) error {
				r, err := v.Exec(program, nil)
				results[i] = r
				return err
			})
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error (host %d): %v\n", i, err)
			os.Exit(1)
		}
	}
	fmt.Println(results[0])

	if *verbose {
		stats := vmInst.Collect()
		fmt.Printf("GC: %d live before, %d freed, %d live after\n", stats.LiveBefore, stats.Freed, stats.LiveAfter)
		fmt.Printf("GIL acquisitions: %d, pool tasks: %d\n", vmInst.GIL().Acquisitions(), workers.Completed())
	}

	if *snapshot != "" {
		data, err := vm.MarshalSnapshot(vmInst.Snapshot())
		if err == nil {
			err = os.WriteFile(*snapshot, data, 0o644)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error writing snapshot: %v\n", err)
			os.Exit(1)
		}
	}
}

// setup installs the c module and the host functions the demo calls.
func setup(v *vm.VM, workers *pool.Pool) error {
	refl := ffi.Reflection()
	if !refl.Frozen() {
		if err := ffi.AddStruct[Point](refl, "Point"); err != nil {
			return err
		}
		refl.Freeze()
	}
	if _, err := ffi.Install(v); err != nil {
		return err
	}
	v.Main.Set("squares", v.NewFunction(squaresCode(), nil))
	if _, err := ffi.BindFunc(v, v.Main, "hypot", math.Hypot, ffi.WithPool(workers)); err != nil {
		return err
	}
	_, err := ffi.BindFunc(v, v.Main, "norm", func(p Point) float64 {
		return math.Hypot(p.X, p.Y)
	})
	return err
}

// squaresCode is a generator yielding i*i for i in range(n).
func squaresCode() *vm.Code {
	return vm.NewAssembler("squares", 1, 2).Generator().
		Global(vm.OpLoadGlobal, "range").Local(vm.OpLoadLocal, 0).Call(1).Op(vm.OpGetIter).
		Label("loop").
		Jump(vm.OpForIter, "end").
		Local(vm.OpStoreLocal, 1).
		Local(vm.OpLoadLocal, 1).Local(vm.OpLoadLocal, 1).Op(vm.OpMul).Op(vm.OpYield).
		Jump(vm.OpJump, "loop").
		Label("end").
		Op(vm.OpLoadNone).Op(vm.OpReturn).
		MustBuild()
}

// mainCode sums squares(n) and adds hypot(3, 4) computed on the pool.
func mainCode(n int) *vm.Code {
	return vm.NewAssembler("main", 0, 1).
		Int(0).Local(vm.OpStoreLocal, 0).
		Global(vm.OpLoadGlobal, "squares").Int(int64(n)).Call(1).Op(vm.OpGetIter).
		Label("loop").
		Jump(vm.OpForIter, "end").
		Local(vm.OpLoadLocal, 0).Op(vm.OpAdd).Local(vm.OpStoreLocal, 0).
		Jump(vm.OpJump, "loop").
		Label("end").
		Local(vm.OpLoadLocal, 0).
		Global(vm.OpLoadGlobal, "hypot").Int(3).Int(4).Call(2).
		Op(vm.OpAdd).
		Op(vm.OpReturn).
		MustBuild()
}
