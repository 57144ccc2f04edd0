package virtual

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Manifest declares one deployed virtual procedure: which derivation kind
// implements it and where its data comes from. Manifests live in the plugin
// directory, one subdirectory per procedure, in a file named "process.conf":
//
//	kind|hq
//	dep|P_TRE|urn:ogc:def:parameter:x-sos:1.0:river:water:height
//
// or, for offering-discovered dependencies:
//
//	kind|profile
//	offering|temperature_profile
//
// Lines starting with '#' are comments. Dependency lines keep file order,
// which is the declaration order seen by the derivation.
type Manifest struct {
	Name         string
	Kind         string
	Offering     string
	Dependencies []Dependency
}

const manifestFile = "process.conf"

// LoadDir scans a plugin directory and returns one manifest per
// subdirectory containing a process.conf. The scan happens once at startup;
// nothing here runs at request time.
func LoadDir(dir string) ([]Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read plugin directory %s: %w", dir, err)
	}

	var manifests []Manifest
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name(), manifestFile)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		m, err := loadManifest(e.Name(), path)
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}

func loadManifest(name, path string) (Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("open manifest %s: %w", path, err)
	}
	defer f.Close()

	m := Manifest{Name: name}
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Split(text, "|")
		switch fields[0] {
		case "kind":
			if len(fields) != 2 {
				return Manifest{}, manifestErr(path, line, "kind takes exactly one value")
			}
			m.Kind = fields[1]
		case "offering":
			if len(fields) != 2 {
				return Manifest{}, manifestErr(path, line, "offering takes exactly one value")
			}
			m.Offering = fields[1]
		case "dep":
			if len(fields) < 2 {
				return Manifest{}, manifestErr(path, line, "dep needs a procedure name")
			}
			m.Dependencies = append(m.Dependencies, Dependency{
				Procedure:          fields[1],
				ObservedProperties: fields[2:],
			})
		default:
			return Manifest{}, manifestErr(path, line, fmt.Sprintf("unknown directive %q", fields[0]))
		}
	}
	if err := sc.Err(); err != nil {
		return Manifest{}, fmt.Errorf("read manifest %s: %w", path, err)
	}
	if m.Kind == "" {
		return Manifest{}, manifestErr(path, 0, "missing kind directive")
	}
	return m, nil
}

func manifestErr(path string, line int, reason string) error {
	if line > 0 {
		return fmt.Errorf("manifest %s:%d: %s", path, line, reason)
	}
	return fmt.Errorf("manifest %s: %s", path, reason)
}
