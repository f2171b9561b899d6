// Package platform describes build targets: the host and accelerator
// devices, the vendor tool with its execution mode, and the project
// directory a build scaffolds. Platforms come from built-in presets or
// YAML descriptor files.
package platform

import (
	"os"
	"strings"

	"github.com/blang/semver/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/weft-lang/weft/internal/errs"
)

// Device is one processing element of a platform.
type Device struct {
	Kind   string `yaml:"kind"` // cpu or fpga
	Vendor string `yaml:"vendor"`
	Model  string `yaml:"model"`
}

// Tool names the vendor toolchain driving the accelerator build.
type Tool struct {
	Name    string            `yaml:"name"`
	Mode    string            `yaml:"mode"`
	Version string            `yaml:"version"`
	Options map[string]string `yaml:"options"`
}

// Platform is one build target.
type Platform struct {
	Name    string `yaml:"name"`
	Host    Device `yaml:"host"`
	Xcel    Device `yaml:"xcel"`
	Tool    Tool   `yaml:"tool"`
	Project string `yaml:"project"`
	Top     string `yaml:"top"`
}

// toolBackends maps tool names onto code generator backends.
var toolBackends = map[string]string{
	"vivado_hls": "vhls",
	"sdsoc":      "vhls",
	"vitis":      "vhls",
	"sdaccel":    "vhls",
	"intel_hls":  "ihls",
}

// toolMinVersions holds the oldest tool release each flow is known to work
// with. Platforms that leave the version unset skip the check.
var toolMinVersions = map[string]string{
	"vivado_hls": "2019.1.0",
	"sdsoc":      "2018.3.0",
	"vitis":      "2020.1.0",
	"sdaccel":    "2018.3.0",
	"intel_hls":  "19.1.0",
}

// Backend resolves the code generator backend for the tool.
func (t Tool) Backend() (string, error) {
	b := toolBackends[t.Name]
	if b == "" {
		return "", errs.Configf("unknown tool %q", t.Name)
	}
	return b, nil
}

// CheckVersion parses the tool version tolerantly and compares it against
// the tool's supported minimum.
func (t Tool) CheckVersion() error {
	if t.Version == "" {
		return nil
	}
	min, ok := toolMinVersions[t.Name]
	if !ok {
		return nil
	}
	v, err := semver.ParseTolerant(t.Version)
	if err != nil {
		return errs.Configf("tool %s: cannot parse version %q", t.Name, t.Version)
	}
	if v.LT(semver.MustParse(min)) {
		return errs.Configf("tool %s version %s is below the supported minimum %s", t.Name, t.Version, min)
	}
	return nil
}

// Execution modes. The project modes combine freely with |; the remaining
// modes stand alone.
var (
	composableModes = map[string]bool{
		"csyn":   true,
		"csim":   true,
		"cosim":  true,
		"impl":   true,
		"custom": true,
	}
	standaloneModes = map[string]bool{
		"debug":  true,
		"sw_sim": true,
		"hw_sim": true,
		"hw_exe": true,
	}
)

// ValidateMode checks a tool execution mode.
func ValidateMode(mode string) error {
	if standaloneModes[mode] {
		return nil
	}
	parts := strings.Split(mode, "|")
	for _, p := range parts {
		if composableModes[p] {
			continue
		}
		if len(parts) == 1 {
			return errs.Configf("unknown execution mode %q", mode)
		}
		return errs.Configf("unknown execution mode %q in %q", p, mode)
	}
	return nil
}

// Validate fills the defaults (top function name, project directory, csim
// mode) and checks everything a build relies on. Problems aggregate so a
// descriptor's mistakes surface together.
func (p *Platform) Validate() error {
	if p.Top == "" {
		p.Top = "top"
	}
	if p.Project == "" {
		p.Project = "project"
	}
	if p.Tool.Mode == "" {
		p.Tool.Mode = "csim"
	}

	var result *multierror.Error
	if p.Name == "" {
		result = multierror.Append(result, errs.Configf("platform declares no name"))
	}
	if _, err := p.Tool.Backend(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := ValidateMode(p.Tool.Mode); err != nil {
		result = multierror.Append(result, err)
	}
	if err := p.Tool.CheckVersion(); err != nil {
		result = multierror.Append(result, err)
	}
	for _, d := range []struct {
		role string
		dev  Device
	}{{"host", p.Host}, {"xcel", p.Xcel}} {
		if d.dev.Kind != "" && d.dev.Kind != "cpu" && d.dev.Kind != "fpga" {
			result = multierror.Append(result, errs.Configf(
				"%s device kind %q is not cpu or fpga", d.role, d.dev.Kind))
		}
	}
	return result.ErrorOrNil()
}

// Backend resolves the platform's code generator backend.
func (p *Platform) Backend() (string, error) {
	return p.Tool.Backend()
}

// Preset returns a built-in platform by name.
func Preset(name string) (*Platform, error) {
	var p *Platform
	switch name {
	case "zc706":
		p = &Platform{
			Name: "zc706",
			Host: Device{Kind: "cpu", Vendor: "arm", Model: "cortex-a9"},
			Xcel: Device{Kind: "fpga", Vendor: "xilinx", Model: "xc7z045"},
			Tool: Tool{Name: "vivado_hls", Mode: "csim"},
		}
	case "aws_f1":
		p = &Platform{
			Name: "aws_f1",
			Host: Device{Kind: "cpu", Vendor: "intel", Model: "e5-2686"},
			Xcel: Device{Kind: "fpga", Vendor: "xilinx", Model: "xcvu9p"},
			Tool: Tool{Name: "vitis", Mode: "sw_sim"},
		}
	case "intel_a10":
		p = &Platform{
			Name: "intel_a10",
			Host: Device{Kind: "cpu", Vendor: "intel", Model: "xeon"},
			Xcel: Device{Kind: "fpga", Vendor: "intel", Model: "arria10"},
			Tool: Tool{Name: "intel_hls", Mode: "sw_sim"},
		}
	default:
		return nil, errs.Configf("unknown platform %q", name)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Presets lists the built-in platform names.
func Presets() []string {
	return []string{"aws_f1", "intel_a10", "zc706"}
}

// Load reads a platform descriptor from a YAML file.
func Load(path string) (*Platform, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading platform descriptor %s", path)
	}
	var p Platform
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrapf(err, "parsing platform descriptor %s", path)
	}
	if err := p.Validate(); err != nil {
		return nil, errors.Wrapf(err, "platform descriptor %s", path)
	}
	return &p, nil
}
