// Package bundle exports an evolution history into a portable archive.
package bundle

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kokistudios/evolve/internal/ledger"
	"github.com/kokistudios/evolve/internal/store"
	"github.com/kokistudios/evolve/internal/task"
)

const (
	Extension    = ".evolve.tar.gz"
	ManifestName = "manifest.yaml"
)

// Manifest describes the contents of a bundle.
type Manifest struct {
	Version     string         `yaml:"version"`
	ExportedAt  time.Time      `yaml:"exported_at"`
	Project     string         `yaml:"project"`
	Instruction string         `yaml:"instruction,omitempty"`
	Baseline    string         `yaml:"baseline,omitempty"`
	Head        string         `yaml:"head,omitempty"`
	Generations int            `yaml:"generations"`
	Statuses    map[string]int `yaml:"statuses,omitempty"`
	Files       []string       `yaml:"files"`
}

// DefaultName returns the bundle file name for a project.
func DefaultName(project string) string {
	return fmt.Sprintf("%s-%s%s", project, time.Now().UTC().Format("20060102-150405"), Extension)
}

// Export writes the ledger, task config and every run directory into a
// tar.gz archive. outputPath may be a directory or empty.
func Export(st *store.Store, outputPath string) (string, error) {
	led, err := ledger.Read(st.Home)
	if err != nil {
		return "", fmt.Errorf("reading ledger: %w", err)
	}

	project := filepath.Base(st.Target)
	if outputPath == "" {
		outputPath = DefaultName(project)
	} else if info, err := os.Stat(outputPath); err == nil && info.IsDir() {
		outputPath = filepath.Join(outputPath, DefaultName(project))
	} else if !strings.HasSuffix(outputPath, ".tar.gz") {
		outputPath += Extension
	}

	outFile, err := os.Create(outputPath)
	if err != nil {
		return "", fmt.Errorf("failed to create output file: %w", err)
	}
	defer outFile.Close()

	gw := gzip.NewWriter(outFile)
	tw := tar.NewWriter(gw)

	var files []string
	add := func(src, name string) error {
		info, err := os.Stat(src)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(src)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", src, err)
		}
		if err := writeEntry(tw, name, content, int64(info.Mode().Perm()), info.ModTime()); err != nil {
			return err
		}
		files = append(files, name)
		return nil
	}

	if err := add(ledger.Path(st.Home), ledger.FileName); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	if err := add(task.Path(st.Target), task.FileName); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", err
	}

	runsDir := st.Path("runs")
	err = filepath.Walk(runsDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(st.Home, path)
		if err != nil {
			return err
		}
		return add(path, filepath.ToSlash(rel))
	})
	if err != nil {
		return "", fmt.Errorf("failed to walk runs directory: %w", err)
	}

	baseline, _ := led.Baseline()
	statuses := make(map[string]int)
	for s, n := range led.Counts() {
		statuses[string(s)] = n
	}
	manifest := Manifest{
		Version:     "1",
		ExportedAt:  time.Now().UTC(),
		Project:     project,
		Baseline:    baseline,
		Head:        led.Head(),
		Generations: led.Len(),
		Statuses:    statuses,
		Files:       files,
	}
	if settings, err := task.Load(st.Target); err == nil {
		manifest.Instruction = settings.Instruction
	}

	manifestData, err := yaml.Marshal(manifest)
	if err != nil {
		return "", fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := writeEntry(tw, ManifestName, manifestData, 0644, time.Now()); err != nil {
		return "", err
	}

	if err := tw.Close(); err != nil {
		return "", fmt.Errorf("failed to finish archive: %w", err)
	}
	if err := gw.Close(); err != nil {
		return "", fmt.Errorf("failed to finish archive: %w", err)
	}
	return outputPath, nil
}

func writeEntry(tw *tar.Writer, name string, content []byte, mode int64, modTime time.Time) error {
	header := &tar.Header{
		Name:    name,
		Size:    int64(len(content)),
		Mode:    mode,
		ModTime: modTime,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write tar header: %w", err)
	}
	if _, err := tw.Write(content); err != nil {
		return fmt.Errorf("failed to write tar content: %w", err)
	}
	return nil
}

// ReadManifest returns the manifest of a bundle without extracting it.
func ReadManifest(bundlePath string) (*Manifest, error) {
	data, err := ReadFile(bundlePath, ManifestName)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &m, nil
}

// ReadFile returns one entry of a bundle.
func ReadFile(bundlePath, name string) ([]byte, error) {
	inFile, err := os.Open(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open bundle: %w", err)
	}
	defer inFile.Close()

	gr, err := gzip.NewReader(inFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read gzip: %w", err)
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("%s not found in bundle", name)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read tar: %w", err)
		}
		if header.Name != name {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		return data, nil
	}
}
