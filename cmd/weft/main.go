package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/weft-lang/weft/internal/build"
	"github.com/weft-lang/weft/internal/codegen"
	"github.com/weft-lang/weft/internal/graphfile"
	"github.com/weft-lang/weft/internal/lower"
	"github.com/weft-lang/weft/internal/platform"
)

// version is stamped by the release build.
var version = "dev"

var (
	platformFlag string
	backendFlag  string
	modeFlag     string
	outputFlag   string
	simpleFlag   bool
)

var rootCmd = &cobra.Command{
	Use:   "weft",
	Short: "Weft accelerator compiler",
	Long:  "Compiles dataflow graph manifests into host and accelerator sources.",
}

var buildCmd = &cobra.Command{
	Use:   "build <graph.hcl>",
	Short: "Build a graph manifest",
	Long: "Compile a graph manifest. With a platform, scaffold the project directory and write " +
		"the split host and kernel sources into it; with only a backend, emit a standalone kernel; " +
		"with neither, emit plain host code.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := graphfile.Load(args[0])
		if err != nil {
			cmd.SilenceUsage = true
			return err
		}

		opts := build.Options{
			Backend:         backendFlag,
			BoundaryInputs:  m.Inputs,
			BoundaryOutputs: m.Outputs,
		}
		if platformFlag != "" {
			plat, err := resolvePlatform(platformFlag)
			if err != nil {
				cmd.SilenceUsage = true
				return err
			}
			if modeFlag != "" {
				plat.Tool.Mode = modeFlag
			}
			if outputFlag != "" {
				plat.Project = outputFlag
			}
			opts.Target = plat
		}

		res, err := build.Build(m.Schedule, opts)
		if err != nil {
			cmd.SilenceUsage = true
			return err
		}

		if opts.Target == nil {
			return writeListing(outputFlag, res.Listing())
		}

		fmt.Printf("Built %s into %s\n", graphName(m, args[0]), res.Project)
		for _, f := range []struct {
			name string
			text string
		}{
			{"kernel.cpp", res.Xcel},
			{"host.cpp", res.Host},
			{"kernel.h", res.Header},
		} {
			fmt.Printf("  %-10s %s\n", f.name, humanize.Bytes(uint64(len(f.text))))
		}
		return nil
	},
}

var lowerCmd = &cobra.Command{
	Use:   "lower <graph.hcl>",
	Short: "Print lowered source without building a project",
	Long: "Lower the whole graph into a single function and print the generated source, " +
		"for inspecting what a backend will see. With --simple, print the lowered loop " +
		"nests themselves instead of generated source.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := graphfile.Load(args[0])
		if err != nil {
			cmd.SilenceUsage = true
			return err
		}
		opts := build.Options{Backend: backendFlag}
		if simpleFlag {
			cfg := lower.DefaultConfig()
			cfg.SimpleMode = true
			opts.Config = cfg
		}
		res, err := build.Build(m.Schedule, opts)
		if err != nil {
			cmd.SilenceUsage = true
			return err
		}
		return writeListing(outputFlag, res.Listing())
	},
}

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "List code generator backends and platform presets",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("Backends:")
		for _, name := range codegen.Backends() {
			fmt.Printf("  %s\n", name)
		}
		fmt.Println("Platform presets:")
		for _, name := range platform.Presets() {
			p, err := platform.Preset(name)
			if err != nil {
				continue
			}
			fmt.Printf("  %-10s %s (%s + %s)\n", name, p.Tool.Name, p.Host.Model, p.Xcel.Model)
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the weft version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("weft %s\n", version)
	},
}

func init() {
	// glog registers its flags on the standard flag set.
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	buildCmd.Flags().StringVarP(&platformFlag, "platform", "p", "", "platform preset name or YAML descriptor path")
	buildCmd.Flags().StringVarP(&backendFlag, "backend", "b", "", "emit a standalone kernel for this backend instead of building a project")
	buildCmd.Flags().StringVarP(&modeFlag, "mode", "m", "", "override the platform's tool execution mode")
	buildCmd.Flags().StringVarP(&outputFlag, "output", "o", "", "project directory (with a platform) or output file")
	lowerCmd.Flags().StringVarP(&backendFlag, "backend", "b", "", "render through this backend instead of plain host code")
	lowerCmd.Flags().StringVarP(&outputFlag, "output", "o", "", "output file name, - for stdout")
	lowerCmd.Flags().BoolVarP(&simpleFlag, "simple", "s", false, "print the lowered loop nests instead of generated source")
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(lowerCmd)
	rootCmd.AddCommand(targetsCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	// glog warns on first use unless the standard flag set was parsed.
	flag.CommandLine.Parse([]string{})
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolvePlatform takes a preset name or a path to a YAML descriptor.
// Anything that looks like a file path loads as a descriptor.
func resolvePlatform(name string) (*platform.Platform, error) {
	if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") ||
		strings.Contains(name, string(os.PathSeparator)) {
		return platform.Load(name)
	}
	return platform.Preset(name)
}

func writeListing(path, text string) error {
	if path == "" || path == "-" {
		fmt.Print(text)
		return nil
	}
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return err
	}
	fmt.Printf("Wrote %s (%s)\n", path, humanize.Bytes(uint64(len(text))))
	return nil
}

// graphName names the build after the manifest's graph attribute, falling
// back to the file name.
func graphName(m *graphfile.Manifest, path string) string {
	if m.Name != "" {
		return m.Name
	}
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
