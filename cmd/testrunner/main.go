// Command testrunner compiles every graph manifest under examples/ and
// checks the emitted listing against the golden .out file next to it.
// Manifests without a golden are build-only checks; -update writes the
// goldens out.
package main

import (
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/weft-lang/weft/internal/build"
	"github.com/weft-lang/weft/internal/graphfile"
	"github.com/weft-lang/weft/internal/platform"
)

var (
	examplesDir  = flag.String("dir", "examples", "directory holding the example manifests")
	platformName = flag.String("platform", "", "build against this platform preset instead of plain host code")
	update       = flag.Bool("update", false, "rewrite the golden .out files from the current output")
)

// TestCase is one example manifest, with its golden listing if one exists.
type TestCase struct {
	Name       string
	GraphFile  string
	GoldenFile string // empty when the example is build-only
}

// discoverTests finds the example manifests and pairs them with goldens.
func discoverTests(dir string) ([]TestCase, error) {
	var tests []TestCase

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".hcl") {
			return nil
		}
		baseName := strings.TrimSuffix(filepath.Base(path), ".hcl")
		tc := TestCase{Name: baseName, GraphFile: path}
		goldenFile := filepath.Join(filepath.Dir(path), baseName+".out")
		if _, err := os.Stat(goldenFile); err == nil || *update {
			tc.GoldenFile = goldenFile
		}
		tests = append(tests, tc)
		return nil
	})

	return tests, err
}

// compileTest builds one manifest in process and returns the listing.
func compileTest(tc TestCase) (string, error) {
	m, err := graphfile.Load(tc.GraphFile)
	if err != nil {
		return "", err
	}

	opts := build.Options{
		BoundaryInputs:  m.Inputs,
		BoundaryOutputs: m.Outputs,
	}
	if *platformName != "" {
		plat, err := platform.Preset(*platformName)
		if err != nil {
			return "", err
		}
		projectDir, err := os.MkdirTemp("", "weft-example-"+tc.Name)
		if err != nil {
			return "", err
		}
		defer os.RemoveAll(projectDir)
		plat.Project = filepath.Join(projectDir, "prj")
		opts.Target = plat
	}

	res, err := build.Build(m.Schedule, opts)
	if err != nil {
		return "", err
	}
	return res.Listing(), nil
}

// runSingleTest compiles one example and checks its golden, returning
// pass/fail and a failure description.
func runSingleTest(tc TestCase) (bool, string) {
	fmt.Printf("Running example %s... ", tc.Name)

	listing, err := compileTest(tc)
	if err != nil {
		return false, fmt.Sprintf("build error: %v", err)
	}

	if tc.GoldenFile == "" {
		return true, ""
	}
	if *update {
		if err := os.WriteFile(tc.GoldenFile, []byte(listing), 0o644); err != nil {
			return false, fmt.Sprintf("error writing golden: %v", err)
		}
		return true, ""
	}

	expected, err := os.ReadFile(tc.GoldenFile)
	if err != nil {
		return false, fmt.Sprintf("error reading golden: %v", err)
	}
	if listing == string(expected) {
		return true, ""
	}

	// Leave the produced listing next to the golden for inspection.
	gotFile := strings.TrimSuffix(tc.GoldenFile, ".out") + ".got"
	if err := os.WriteFile(gotFile, []byte(listing), 0o644); err == nil {
		return false, fmt.Sprintf("listing differs from %s, wrote %s", tc.GoldenFile, gotFile)
	}
	return false, fmt.Sprintf("listing differs from %s", tc.GoldenFile)
}

// findTestCase selects an example by name, with or without the .hcl suffix
// or a leading directory.
func findTestCase(tests []TestCase, identifier string) (*TestCase, error) {
	identifier = strings.TrimSuffix(filepath.Base(identifier), ".hcl")
	for _, test := range tests {
		if test.Name == identifier {
			return &test, nil
		}
	}
	return nil, fmt.Errorf("example not found: %s", identifier)
}

func main() {
	flag.Parse()

	tests, err := discoverTests(*examplesDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error discovering examples: %v\n", err)
		os.Exit(1)
	}
	if len(tests) == 0 {
		fmt.Printf("No examples found in %s\n", *examplesDir)
		return
	}

	sort.Slice(tests, func(i, j int) bool {
		return tests[i].Name < tests[j].Name
	})

	var testsToRun []TestCase
	if flag.NArg() > 0 {
		testCase, err := findTestCase(tests, flag.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		testsToRun = []TestCase{*testCase}
		fmt.Printf("Running specific example: %s\n", testCase.Name)
	} else {
		testsToRun = tests
		if len(tests) == 1 {
			fmt.Printf("Found 1 example\n")
		} else {
			fmt.Printf("Found %d examples\n", len(tests))
		}
	}

	passed := 0
	failed := 0
	for _, test := range testsToRun {
		success, errorMsg := runSingleTest(test)
		if success {
			fmt.Println("PASS")
			passed++
		} else {
			fmt.Printf("FAIL - %s\n", errorMsg)
			failed++
		}
	}

	if failed == 0 {
		fmt.Printf("Example Results: %d passed. All good!\n", passed)
	} else {
		fmt.Printf("Example Results: %d passed, %d failed\n", passed, failed)
	}

	if failed > 0 {
		os.Exit(1)
	}
}
