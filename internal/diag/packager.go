package diag

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"vmenergy/internal/fsutil"
	"vmenergy/internal/logging"
)

// Packager creates diagnostic ZIP packages
type Packager struct {
	config    *Config
	collector *Collector
	logger    *logging.Logger
}

// NewPackager creates a new diagnostic packager
func NewPackager(config *Config, logger *logging.Logger) *Packager {
	return &Packager{
		config:    config,
		collector: NewCollector(config, logger),
		logger:    logger,
	}
}

// CreatePackage collects every artifact and writes the ZIP. A failing
// collector leaves its part out of the package.
func (p *Packager) CreatePackage() (string, error) {
	p.logger.Info("diag.package.start", "Creating diagnostic package", map[string]interface{}{
		"output": p.config.OutputPath,
	})

	allFiles := make(map[string][]byte)
	collectors := []struct {
		name string
		fn   func() (map[string][]byte, error)
	}{
		{"logs", p.collector.CollectLogs},
		{"config", p.collector.CollectConfig},
		{"state", p.collector.CollectState},
		{"sysinfo", p.collector.CollectSystemInfo},
	}
	for _, col := range collectors {
		files, err := col.fn()
		if err != nil {
			p.logger.Error("diag.package."+col.name+"_error", "Failed to collect "+col.name, map[string]interface{}{
				"error": err.Error(),
			})
		}
		for path, content := range files {
			allFiles[path] = content
		}
	}

	manifestJSON, err := json.MarshalIndent(p.createManifest(allFiles), "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal manifest: %w", err)
	}
	allFiles["diag_manifest.json"] = manifestJSON

	if err := p.createZIP(allFiles); err != nil {
		return "", fmt.Errorf("failed to create ZIP: %w", err)
	}

	p.logger.Info("diag.package.complete", "Diagnostic package created", map[string]interface{}{
		"output":     p.config.OutputPath,
		"file_count": len(allFiles),
	})
	return p.config.OutputPath, nil
}

func sortedPaths(files map[string][]byte) []string {
	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func (p *Packager) createManifest(files map[string][]byte) *Manifest {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	manifest := &Manifest{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Host:      hostname,
		Version:   p.config.Version,
		Files:     make([]ManifestFile, 0, len(files)),
	}
	for _, path := range sortedPaths(files) {
		manifest.Files = append(manifest.Files, ManifestFile{
			Path:      path,
			SizeBytes: int64(len(files[path])),
			SHA256:    CalculateSHA256(files[path]),
		})
	}
	return manifest
}

func (p *Packager) createZIP(files map[string][]byte) error {
	zipFile, err := os.OpenFile(p.config.OutputPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fsutil.DefaultFilePermissions)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer fsutil.CloseWithError(zipFile.Close, p.logger, "diag zip file")

	zipWriter := zip.NewWriter(zipFile)
	for _, path := range sortedPaths(files) {
		writer, err := zipWriter.Create(path)
		if err != nil {
			return fmt.Errorf("failed to add %s: %w", path, err)
		}
		if _, err := writer.Write(files[path]); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
	}
	return zipWriter.Close()
}
