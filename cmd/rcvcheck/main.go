// Command rcvcheck performs offline integrity checks on a virtual-procedure
// plugin directory: manifest syntax, registry consistency, and rating-curve
// table health (parseability, segment ordering, range overlaps).
//
// Usage:
//
//	go run ./cmd/rcvcheck -dir /var/lib/sos-engine/virtual
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/hydrometrix/sos-engine/internal/virtual"
)

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

func main() {
	dir := flag.String("dir", "", "plugin directory containing virtual-procedure manifests")
	flag.Parse()

	if *dir == "" {
		flag.Usage()
		os.Exit(1)
	}

	if code := run(*dir); code != 0 {
		os.Exit(code)
	}
}

func run(dir string) int {
	fmt.Println("=== Virtual Procedure Integrity Validation ===")
	fmt.Println()

	manifests, err := virtual.LoadDir(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load plugin directory: %v\n", err)
		return 1
	}
	if len(manifests) == 0 {
		fmt.Printf("No manifests found under %s\n", dir)
		return 0
	}

	phases := []*phase{
		validateRegistry(manifests),
		validateTables(dir, manifests),
	}

	fmt.Println()
	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-42s %s\n", p.name, status)
	}

	fmt.Println()
	fmt.Printf("Manifests: %d\n", len(manifests))

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Printf("  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Println("\nAll validations passed.")
		return 0
	}
	fmt.Println("\nValidation FAILED.")
	return 1
}

// validateRegistry checks that every manifest registers cleanly: known kind,
// no duplicate names, and the shape its kind needs.
func validateRegistry(manifests []virtual.Manifest) *phase {
	p := &phase{name: "Phase 1: Manifest Registry"}

	registry := virtual.NewRegistry()
	seen := map[string]bool{}
	for _, m := range manifests {
		if seen[m.Name] {
			p.errorf("%s: duplicate procedure name", m.Name)
			continue
		}
		seen[m.Name] = true

		if err := registry.RegisterManifest(m); err != nil {
			p.errorf("%v", err)
			continue
		}

		switch m.Kind {
		case virtual.KindRatingCurve:
			if len(m.Dependencies) == 0 {
				p.errorf("%s: kind %q declares no dependencies", m.Name, m.Kind)
			}
		case virtual.KindProfile:
			if m.Offering == "" && len(m.Dependencies) == 0 {
				p.errorf("%s: kind %q needs an offering or explicit dependencies", m.Name, m.Kind)
			}
		}
	}
	return p
}

// validateTables parses every rating-curve table and flags segments that are
// inverted or whose value ranges overlap within the same validity period.
func validateTables(dir string, manifests []virtual.Manifest) *phase {
	p := &phase{name: "Phase 2: Rating Curve Tables"}

	for _, m := range manifests {
		if m.Kind != virtual.KindRatingCurve {
			continue
		}
		path := virtual.TablePath(dir, m.Name)
		table, err := virtual.LoadTable(path)
		if err != nil {
			p.errorf("%s: %v", m.Name, err)
			continue
		}
		if len(table.Segments) == 0 {
			p.errorf("%s: table %s has no segments", m.Name, path)
			continue
		}
		checkSegments(p, m.Name, table)
	}
	return p
}

func checkSegments(p *phase, name string, table virtual.Table) {
	for i, s := range table.Segments {
		if !s.ValidFrom.Before(s.ValidTo) {
			p.errorf("%s: segment %d: from %s is not before to %s", name, i+1, s.ValidFrom, s.ValidTo)
		}
		if s.Low >= s.Up {
			p.errorf("%s: segment %d: low_val %g is not below up_val %g", name, i+1, s.Low, s.Up)
		}
		for j := i + 1; j < len(table.Segments); j++ {
			o := table.Segments[j]
			timeOverlap := s.ValidTo.After(o.ValidFrom) && o.ValidTo.After(s.ValidFrom)
			valueOverlap := s.Low < o.Up && o.Low < s.Up
			if timeOverlap && valueOverlap {
				p.errorf("%s: segments %d and %d overlap in both validity and value range", name, i+1, j+1)
			}
		}
	}
}
