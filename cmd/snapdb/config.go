package main

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/andreyvit/snapdb"
)

const envPrefix = "SNAPDB_"

// Config is the database declaration read from a YAML file, with scalar
// settings overridable from SNAPDB_* environment variables:
//
//	name: app
//	version: 2
//	dir: ./data
//	modules:
//	  - name: users
//	    primary: id
//	    columns:
//	      - name: email
//	        index: email
//	        unique: true
//	      - name: byCity
//	        index: [profile.city, name]
type Config struct {
	Name    string         `koanf:"name"`
	Version uint64         `koanf:"version"`
	Dir     string         `koanf:"dir"`
	Verbose bool           `koanf:"verbose"`
	Modules []ModuleConfig `koanf:"modules"`
}

type ModuleConfig struct {
	Name    string         `koanf:"name"`
	Primary string         `koanf:"primary"`
	Columns []ColumnConfig `koanf:"columns"`
}

type ColumnConfig struct {
	Name string `koanf:"name"`
	// Index is a single path or a list of paths; a plain string decodes as
	// a one-element list.
	Index      []string `koanf:"index"`
	Unique     bool     `koanf:"unique"`
	MultiEntry bool     `koanf:"multiEntry"`
}

func defaultConfig() Config {
	return Config{
		Version: 1,
		Dir:     ".",
	}
}

// loadConfig reads path (if non-empty), then the environment. Later sources
// win.
func loadConfig(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// SNAPDB_DIR -> dir
	transform := func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		s = strings.ToLower(s)
		return strings.ReplaceAll(s, "_", ".")
	}
	if err := k.Load(env.Provider(envPrefix, ".", transform), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	cfg := defaultConfig()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func (cfg *Config) Descriptors() []*snapdb.CollectionDescriptor {
	result := make([]*snapdb.CollectionDescriptor, 0, len(cfg.Modules))
	for _, m := range cfg.Modules {
		cd := &snapdb.CollectionDescriptor{Name: m.Name, PrimaryKey: m.Primary}
		for _, c := range m.Columns {
			cd.Columns = append(cd.Columns, snapdb.Column{
				Name:       c.Name,
				Index:      snapdb.KeyPath(c.Index),
				Unique:     c.Unique,
				MultiEntry: c.MultiEntry,
			})
		}
		result = append(result, cd)
	}
	return result
}

func (cfg *Config) Options(engine snapdb.Engine) snapdb.Options {
	return snapdb.Options{
		Name:    cfg.Name,
		Version: cfg.Version,
		Modules: cfg.Descriptors(),
		Engine:  engine,
		Verbose: cfg.Verbose,
	}
}
