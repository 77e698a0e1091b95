// Package catalog reads candidate relay nodes from outside the service.
//
// The catalog itself is owned elsewhere; this package only fetches it and joins
// it with the health records kept by the classifier.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"relayscope/internal/common"
	"relayscope/internal/models"
)

// Source returns the nodes of one catalog partition. An empty source means all
// partitions. Implementations return an error wrapping
// common.ErrUpstreamUnavailable when the catalog cannot be read.
type Source interface {
	Nodes(ctx context.Context, source string) ([]models.Node, error)
}

// fileDocument is the on-disk layout of a catalog file.
type fileDocument struct {
	Nodes []models.Node `yaml:"nodes"`
}

// FileSource serves the catalog from a YAML file. The file is re-read on every
// call so edits take effect without a restart.
type FileSource struct {
	path string
}

// NewFileSource returns a source backed by path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Nodes implements Source.
func (f *FileSource) Nodes(ctx context.Context, source string) ([]models.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	content, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, common.UnavailableError("catalog file "+f.path, err)
	}
	if err != nil {
		return nil, common.UnavailableError("read catalog", err)
	}

	var doc fileDocument
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, common.UnavailableError("parse catalog", err)
	}
	return normalise(doc.Nodes, source), nil
}

// normalise fills derived IDs, drops entries without an endpoint, keeps the
// first of duplicate IDs and applies the source filter.
func normalise(nodes []models.Node, source string) []models.Node {
	source = strings.TrimSpace(source)
	out := make([]models.Node, 0, len(nodes))
	seen := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		n.Host = strings.TrimSpace(n.Host)
		if n.Host == "" || n.Port <= 0 || n.Port > 65535 {
			continue
		}
		if source != "" && !strings.EqualFold(n.Source, source) {
			continue
		}
		n.ID = n.Key()
		if _, dup := seen[n.ID]; dup {
			continue
		}
		seen[n.ID] = struct{}{}
		out = append(out, n)
	}
	return out
}

// Static is an in-memory Source, handy when nodes come from configuration.
type Static []models.Node

// Nodes implements Source.
func (s Static) Nodes(_ context.Context, source string) ([]models.Node, error) {
	return normalise(s, source), nil
}

// Lookup returns the nodes matching ids, in the order given. Unknown IDs are
// reported in missing.
func Lookup(nodes []models.Node, ids []string) (found []models.Node, missing []string) {
	index := make(map[string]models.Node, len(nodes))
	for _, n := range nodes {
		index[n.Key()] = n
	}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if n, ok := index[id]; ok {
			found = append(found, n)
			continue
		}
		missing = append(missing, id)
	}
	return found, missing
}

// describeSource is used in error messages.
func describeSource(source string) string {
	if source == "" {
		return "all sources"
	}
	return fmt.Sprintf("source %q", source)
}
