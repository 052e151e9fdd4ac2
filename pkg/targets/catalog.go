package targets

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/actiond/pkg/actionlog"
)

// Catalog is a file-backed registry for lite deployments and tests.
type Catalog struct {
	Sources []Source `yaml:"sources"`

	byID map[int64]Source
}

// LoadCatalog reads a YAML source catalog.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load catalog %q: %w", path, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses catalog YAML. Duplicate or untyped sources are rejected.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	c.byID = make(map[int64]Source, len(c.Sources))
	for _, s := range c.Sources {
		if s.Type == "" {
			return nil, fmt.Errorf("parse catalog: source %d has no type", s.ID)
		}
		if _, dup := c.byID[s.ID]; dup {
			return nil, fmt.Errorf("parse catalog: duplicate source %d", s.ID)
		}
		c.byID[s.ID] = s
	}
	return &c, nil
}

// Resolve implements Resolver.
func (c *Catalog) Resolve(_ context.Context, ref actionlog.TargetRef) (*Target, error) {
	s, ok := c.byID[ref.SourceID]
	if !ok {
		return nil, fmt.Errorf("%w: source %d", ErrUnknownTarget, ref.SourceID)
	}
	return &Target{
		Ref:            ref,
		SourceType:     s.Type,
		CredentialsRef: s.CredentialsRef,
		HasDashboard:   s.HasDashboard,
	}, nil
}
