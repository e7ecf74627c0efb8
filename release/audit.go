package release

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Pin is a single pinned package from a conda export file.
type Pin struct {
	Name    string
	Version string
	Build   string
}

// AuditReport compares an image's installed packages against a pin
// file. Missing holds the normalized names of pins absent from the
// image.
type AuditReport struct {
	Pinned    int
	Installed int
	Missing   []string
}

func (r AuditReport) Failed() bool {
	return len(r.Missing) > 0
}

func (r AuditReport) Write(w io.Writer, image string) {
	if !r.Failed() {
		fmt.Fprintf(w, "all %d pinned packages present in %s\n", r.Pinned, image)
		return
	}
	fmt.Fprintf(w, "%d of %d pinned packages missing from %s:\n", len(r.Missing), r.Pinned, image)
	for _, name := range r.Missing {
		fmt.Fprintf(w, "  %s\n", name)
	}
}

// ParsePinFile reads a conda export: one package per line in
// name=version=build form, with version and build optional. Blank
// lines and # comments are ignored, as are header lines like
// "@EXPLICIT". Names are normalized so that the comparison is
// insensitive to case and the -/_ spelling split.
func ParsePinFile(contents []byte) ([]Pin, error) {
	var pins []Pin

	scanner := bufio.NewScanner(bytes.NewReader(contents))
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") || strings.HasPrefix(text, "@") {
			continue
		}

		parts := strings.Split(text, "=")
		pin := Pin{Name: NormalizePackageName(parts[0])}
		if len(parts) > 1 {
			pin.Version = parts[1]
		}
		if len(parts) > 2 {
			pin.Build = parts[2]
		}
		pins = append(pins, pin)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return pins, nil
}

// NormalizePackageName folds a package name to the canonical spelling
// used for comparisons: lowercase, underscores replaced by hyphens.
func NormalizePackageName(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "_", "-")
}

// InstalledLister reports the packages installed in an image, keyed by
// package name (normalization is the auditor's job).
type InstalledLister func(ctx context.Context, image string) (map[string]string, error)

// PinAuditor is a PackageAuditor that checks every pin from an export
// file against the image's installed package list. Only presence is
// checked, not versions: pins move faster than base images rebuild.
// Packages on the ignore list are not required.
type PinAuditor struct {
	Pins   []Pin
	Ignore []string
	List   InstalledLister
}

// NewPinAuditor parses contents as a pin file.
func NewPinAuditor(contents []byte, list InstalledLister, ignore ...string) (*PinAuditor, error) {
	pins, err := ParsePinFile(contents)
	if err != nil {
		return nil, fmt.Errorf("parsing pin file: %w", err)
	}
	return &PinAuditor{Pins: pins, Ignore: ignore, List: list}, nil
}

func (a *PinAuditor) Audit(ctx context.Context, image string) (AuditReport, error) {
	installed, err := a.List(ctx, image)
	if err != nil {
		return AuditReport{}, fmt.Errorf("listing packages in %s: %w", image, err)
	}

	ignored := make(map[string]bool, len(a.Ignore))
	for _, name := range a.Ignore {
		ignored[NormalizePackageName(name)] = true
	}

	have := make(map[string]bool, len(installed))
	for name := range installed {
		have[NormalizePackageName(name)] = true
	}

	report := AuditReport{Installed: len(installed)}
	for _, pin := range a.Pins {
		if ignored[pin.Name] {
			continue
		}
		report.Pinned++
		if !have[pin.Name] {
			report.Missing = append(report.Missing, pin.Name)
		}
	}
	sort.Strings(report.Missing)

	return report, nil
}
