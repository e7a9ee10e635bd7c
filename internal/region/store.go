// Package region loads named polygonal regions from a directory of GeoJSON
// files and answers envelope lookups by name.
package region

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	geom "github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"go.uber.org/zap"

	"github.com/bathyscape/mbharvest/internal/harvest"
)

// recognized spatial-data file extensions; the base name is the region name.
var regionExtensions = map[string]struct{}{
	".geojson": {},
	".json":    {},
}

// Region is one named polygonal area in WGS84 with its derived envelope.
// Immutable once loaded.
type Region struct {
	Name       string
	Geometries []geom.T
	Envelope   harvest.Envelope
}

// Store holds every region found in the region directory. Read-only after
// Load, safe for concurrent use.
type Store struct {
	regions map[string]Region
	logger  *zap.Logger
}

// Load reads every recognized spatial-data file in dir. It fails with a
// ConfigError if the directory is missing or yields no valid regions — a
// configuration problem, not a transient fault.
func Load(dir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, harvest.NewConfigError(fmt.Sprintf("region directory %q is not readable", dir), err)
	}

	regions := make(map[string]Region)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if _, ok := regionExtensions[ext]; !ok {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		reg, err := loadRegion(filepath.Join(dir, entry.Name()), name)
		if err != nil {
			logger.Warn("skipping unreadable region file",
				zap.String("file", entry.Name()), zap.Error(err))
			continue
		}
		regions[name] = reg
	}

	if len(regions) == 0 {
		return nil, harvest.NewConfigError(fmt.Sprintf("region directory %q contains no valid region files", dir), nil)
	}
	logger.Info("regions loaded", zap.Int("count", len(regions)), zap.String("dir", dir))
	return &Store{regions: regions, logger: logger}, nil
}

// Lookup returns the region with the given name. The name may carry a file
// extension, which is ignored.
func (s *Store) Lookup(name string) (Region, error) {
	name = strings.TrimSuffix(name, filepath.Ext(name))
	reg, ok := s.regions[name]
	if !ok {
		return Region{}, fmt.Errorf("lookup %q: %w", name, harvest.ErrRegionNotFound)
	}
	return reg, nil
}

// Envelope returns the bounding box of the named region.
func (s *Store) Envelope(name string) (harvest.Envelope, error) {
	reg, err := s.Lookup(name)
	if err != nil {
		return harvest.Envelope{}, err
	}
	return reg.Envelope, nil
}

// Names returns the loaded region names, sorted.
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.regions))
	for name := range s.regions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func loadRegion(path, name string) (Region, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Region{}, fmt.Errorf("read region file: %w", err)
	}
	geoms, err := parseGeometries(data)
	if err != nil {
		return Region{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if len(geoms) == 0 {
		return Region{}, fmt.Errorf("region file %s has no geometries", filepath.Base(path))
	}

	bounds := geom.NewBounds(geom.XY)
	for _, g := range geoms {
		bounds.Extend(g)
	}
	return Region{
		Name:       name,
		Geometries: geoms,
		Envelope: harvest.Envelope{
			XMin: bounds.Min(0),
			YMin: bounds.Min(1),
			XMax: bounds.Max(0),
			YMax: bounds.Max(1),
		},
	}, nil
}

// parseGeometries accepts a GeoJSON FeatureCollection, a single Feature, or a
// bare geometry.
func parseGeometries(data []byte) ([]geom.T, error) {
	var fc geojson.FeatureCollection
	if err := json.Unmarshal(data, &fc); err == nil && len(fc.Features) > 0 {
		geoms := make([]geom.T, 0, len(fc.Features))
		for _, feat := range fc.Features {
			if feat.Geometry != nil {
				geoms = append(geoms, feat.Geometry)
			}
		}
		return geoms, nil
	}

	var feat geojson.Feature
	if err := json.Unmarshal(data, &feat); err == nil && feat.Geometry != nil {
		return []geom.T{feat.Geometry}, nil
	}

	var g geom.T
	if err := geojson.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("not a recognized GeoJSON document: %w", err)
	}
	return []geom.T{g}, nil
}
