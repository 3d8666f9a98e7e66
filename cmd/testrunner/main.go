// Command testrunner runs compiled package test binaries (go test -c) in a
// container without the Go toolchain: a parallel unit pass, then an optional
// serial integration pass against the configured database.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type options struct {
	testsDir        string
	workDir         string
	short           bool
	pkgParallel     int
	count           int
	integrationRun  string
	integrationPath string
	verbose         bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var o options
	cmd := &cobra.Command{
		Use:           "testrunner",
		Short:         "Run compiled test binaries",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.testsDir, "tests-dir", "/app/tests", "directory containing compiled test binaries")
	f.StringVar(&o.workDir, "work-dir", "/app", "working directory for binaries without a matching package dir")
	f.BoolVar(&o.short, "short", false, "run tests with -test.short")
	f.IntVar(&o.pkgParallel, "pkg-parallel", runtime.NumCPU(), "number of packages to run in parallel")
	f.IntVar(&o.count, "count", 1, "pass -test.count to disable caching when set to 1")
	f.StringVar(&o.integrationRun, "integration-run", "", "regex of integration test(s) to run with -test.run")
	f.StringVar(&o.integrationPath, "integration-path", "api/services/payments/db", "relative package path of the integration run")
	f.BoolVarP(&o.verbose, "verbose", "v", true, "add -test.v to test binaries")
	return cmd
}

func run(cmd *cobra.Command, o options) error {
	out := cmd.OutOrStdout()
	bins, err := collectTestBinaries(o.testsDir)
	if err != nil {
		return err
	}
	if len(bins) == 0 {
		return errors.New("no test binaries found")
	}

	var integrationBin string
	if o.integrationRun != "" {
		integrationBin = filepath.Join(o.testsDir, filepath.FromSlash(o.integrationPath)+".test")
		if _, err := os.Stat(integrationBin); err != nil {
			return fmt.Errorf("integration binary not found at %s: %w", integrationBin, err)
		}
	}

	// The integration package is excluded from the unit pass to avoid double-running.
	unitBins := make([]string, 0, len(bins))
	for _, b := range bins {
		if integrationBin != "" && sameFile(b, integrationBin) {
			continue
		}
		unitBins = append(unitBins, b)
	}

	fmt.Fprintln(out, "==> Running unit tests")
	if err := runBinaries(o, unitBins, testArgs(o, 0), o.pkgParallel); err != nil {
		return err
	}

	if integrationBin != "" {
		fmt.Fprintf(out, "==> Running integration tests in %s with -test.run=%s\n", o.integrationPath, o.integrationRun)
		args := append(testArgs(o, 1), "-test.run", o.integrationRun)
		if err := runBinaries(o, []string{integrationBin}, args, 1); err != nil {
			return err
		}
	}

	fmt.Fprintln(out, "==> All tests passed")
	return nil
}

func collectTestBinaries(root string) ([]string, error) {
	var bins []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".test") {
			bins = append(bins, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(bins)
	return bins, nil
}

func testArgs(o options, testParallel int) []string {
	var args []string
	if o.verbose {
		args = append(args, "-test.v")
	}
	if o.short {
		args = append(args, "-test.short")
	}
	if o.count > 0 {
		args = append(args, fmt.Sprintf("-test.count=%d", o.count))
	}
	if testParallel > 0 {
		args = append(args, fmt.Sprintf("-test.parallel=%d", testParallel))
	}
	return args
}

// runBinaries runs every binary with at most parallel in flight and returns the first failure.
// All binaries run even after a failure so the log shows every broken package.
func runBinaries(o options, bins []string, args []string, parallel int) error {
	if parallel < 1 {
		parallel = 1
	}
	var g errgroup.Group
	g.SetLimit(parallel)
	for _, b := range bins {
		g.Go(func() error {
			cmd := exec.Command(b, args...)
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
			cmd.Env = os.Environ()
			cmd.Dir = workDirFor(b, o.workDir)
			fmt.Printf("[RUN] %s %s\n", b, strings.Join(args, " "))
			if err := cmd.Run(); err != nil {
				return fmt.Errorf("%s failed: %w", b, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// workDirFor uses the package-like directory next to a binary (foo.test -> foo/) when present.
func workDirFor(bin, fallback string) string {
	dir := strings.TrimSuffix(bin, ".test")
	if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
		return dir
	}
	return fallback
}

func sameFile(a, b string) bool {
	ap, _ := filepath.Abs(a)
	bp, _ := filepath.Abs(b)
	return ap == bp
}
