// Kiln CLI - inspect and manage stored closure snapshots
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	_ "github.com/tliron/commonlog/simple"

	"github.com/kilnvm/kiln/manifest"
	"github.com/kilnvm/kiln/snapshot"
	"github.com/kilnvm/kiln/store"
	"github.com/kilnvm/kiln/vm"
)

func main() {
	dbPath := flag.String("db", "", "Snapshot database path (default $KILN_DB or ~/.kiln/snapshots.db)")
	policyPath := flag.String("policy", "", "kiln.toml policy file (default policy if empty)")
	verbose := flag.Bool("v", false, "Verbose output")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: kiln [options] <command> [args]\n\n")
		fmt.Fprintf(os.Stderr, "Inspects and manages stored closure snapshots.\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  list               List stored snapshots\n")
		fmt.Fprintf(os.Stderr, "  find <tag>         List snapshots carrying a tag\n")
		fmt.Fprintf(os.Stderr, "  inspect <key>      Show metadata and disassembly for a snapshot\n")
		fmt.Fprintf(os.Stderr, "  verify <key>       Check a snapshot against the active policy\n")
		fmt.Fprintf(os.Stderr, "  delete <key>       Remove a snapshot\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  kiln -db prod.db list\n")
		fmt.Fprintf(os.Stderr, "  kiln -policy kiln.toml verify counters/main\n")
		fmt.Fprintf(os.Stderr, "  kiln -v inspect counters/main\n")
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	var err error
	policy := snapshot.DefaultPolicy()
	if *policyPath != "" {
		policy, err = manifest.LoadPolicy(*policyPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if *verbose {
			fmt.Printf("Loaded policy %q v%d from %s\n", policy.Name, policy.Version, *policyPath)
		}
	}

	var backend *store.SQLite
	if *dbPath == "" {
		backend, err = store.OpenSQLiteDefault()
	} else {
		backend, err = store.OpenSQLite(*dbPath)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	keeper := store.NewKeeper(backend, policy)
	defer keeper.Close()

	ctx := context.Background()
	switch cmd, rest := args[0], args[1:]; cmd {
	case "list":
		err = runList(ctx, keeper, *verbose)
	case "find":
		err = withKey(rest, func(tag string) error { return runFind(ctx, keeper, tag, *verbose) })
	case "inspect":
		err = withKey(rest, func(key string) error { return runInspect(ctx, backend, key) })
	case "verify":
		err = withKey(rest, func(key string) error { return runVerify(ctx, keeper, key) })
	case "delete":
		err = withKey(rest, func(key string) error { return keeper.Delete(ctx, key) })
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n", cmd)
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func withKey(args []string, fn func(string) error) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one argument")
	}
	return fn(args[0])
}

func runList(ctx context.Context, keeper *store.Keeper, verbose bool) error {
	metas, err := keeper.List(ctx)
	if err != nil {
		return err
	}
	printMetas(metas, verbose)
	return nil
}

func runFind(ctx context.Context, keeper *store.Keeper, tag string, verbose bool) error {
	metas, err := keeper.FindByTag(ctx, tag)
	if err != nil {
		return err
	}
	printMetas(metas, verbose)
	return nil
}

func printMetas(metas []store.Meta, verbose bool) {
	for _, m := range metas {
		fmt.Printf("%-32s %-20s %6d bytes  %s\n", m.Key, m.Name, m.Size, m.CreatedAt.Format("2006-01-02 15:04:05"))
		if verbose {
			fmt.Printf("  id: %s  policy: %s (%s)  tags: %v\n", m.ID, m.PolicyName, short(m.PolicyFingerprint), m.Tags)
		}
	}
}

func runInspect(ctx context.Context, backend store.Backend, key string) error {
	record, meta, err := backend.Get(ctx, key)
	if err != nil {
		return err
	}

	fmt.Printf("key:     %s\n", meta.Key)
	fmt.Printf("name:    %s\n", meta.Name)
	fmt.Printf("id:      %s\n", meta.ID)
	fmt.Printf("created: %s\n", meta.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("size:    %d bytes\n", len(record))
	fmt.Printf("policy:  %s (%s)\n", meta.PolicyName, short(meta.PolicyFingerprint))
	fmt.Printf("tags:    %v\n", meta.Tags)

	g, err := snapshot.Decode(record)
	if err != nil {
		return err
	}
	fmt.Printf("records: %d\n", len(g.Nodes))

	root := g.Nodes[g.Root()]
	fmt.Printf("\nglobals: %v\n", root.Proto.FreeGlobals())
	fmt.Printf("\n%s", vm.Disassemble(root.Proto))
	return nil
}

func runVerify(ctx context.Context, keeper *store.Keeper, key string) error {
	meta, err := keeper.Verify(ctx, key)
	if err != nil {
		return err
	}
	fmt.Printf("%s: ok (policy %s)\n", meta.Key, keeper.Policy().Name)
	return nil
}

func short(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
