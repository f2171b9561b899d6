package platform

import (
	"embed"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang/glog"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

//go:embed templates
var templates embed.FS

// manifest is the project.yaml a scaffolded build carries, identifying
// which build produced the directory.
type manifest struct {
	Platform  string `yaml:"platform"`
	Tool      string `yaml:"tool"`
	Mode      string `yaml:"mode"`
	Backend   string `yaml:"backend"`
	Top       string `yaml:"top"`
	BuildID   string `yaml:"build_id"`
	CreatedAt string `yaml:"created_at"`
}

// Scaffold creates the project directory and populates it with the build
// harness: the embedded Makefile and run.tcl, plus a project.yaml stamped
// with a fresh build id. Generated sources land next to them afterwards.
func (p *Platform) Scaffold() error {
	if err := os.MkdirAll(p.Project, 0o755); err != nil {
		return errors.Wrapf(err, "creating project directory %s", p.Project)
	}
	for _, name := range []string{"Makefile", "run.tcl"} {
		data, err := templates.ReadFile("templates/" + name)
		if err != nil {
			return errors.Wrapf(err, "embedded template %s", name)
		}
		if err := os.WriteFile(filepath.Join(p.Project, name), data, 0o644); err != nil {
			return errors.Wrapf(err, "writing %s", name)
		}
	}
	if err := p.writeManifest(); err != nil {
		return err
	}
	glog.V(2).Infof("platform: scaffolded %s for %s (%s)", p.Project, p.Name, p.Tool.Name)
	return nil
}

func (p *Platform) writeManifest() error {
	id, err := uuid.NewV4()
	if err != nil {
		return errors.Wrap(err, "generating build id")
	}
	backend, err := p.Backend()
	if err != nil {
		return err
	}
	m := manifest{
		Platform:  p.Name,
		Tool:      p.Tool.Name,
		Mode:      p.Tool.Mode,
		Backend:   backend,
		Top:       p.Top,
		BuildID:   id.String(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	data, err := yaml.Marshal(&m)
	if err != nil {
		return errors.Wrap(err, "encoding project manifest")
	}
	path := filepath.Join(p.Project, "project.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	return nil
}
