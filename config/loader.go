package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "JSONRPCBUS"

// Loader builds a Config from defaults, JSON layers and the environment.
// Later layers win; objects merge key by key.
type Loader struct {
	layers    []string
	envPrefix string
	lookupEnv func(string) (string, bool)
}

// NewLoader creates a loader with the JSONRPCBUS environment prefix
func NewLoader() *Loader {
	return &Loader{envPrefix: EnvPrefix, lookupEnv: os.LookupEnv}
}

// AddLayer appends a config file; missing files are an error
func (l *Loader) AddLayer(path string) *Loader {
	l.layers = append(l.layers, path)
	return l
}

// SetEnvPrefix changes the environment prefix; "" disables overrides
func (l *Loader) SetEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Load merges the layers over Default, applies the environment and validates
func (l *Loader) Load() (*Config, error) {
	merged, err := toMap(Default())
	if err != nil {
		return nil, err
	}

	for _, path := range l.layers {
		data, err := readFile(path)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", path, err)
		}
		var layer map[string]any
		if err := json.Unmarshal(data, &layer); err != nil {
			return nil, fmt.Errorf("layer %s: invalid JSON: %w", path, err)
		}
		merged = deepMerge(merged, layer)
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode merged config: %w", err)
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode merged config: %w", err)
	}

	if err := l.applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFile loads a single file over the defaults with environment overrides
func LoadFile(path string) (*Config, error) {
	return NewLoader().AddLayer(path).Load()
}

// SaveToFile writes cfg as indented JSON
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return writeFile(path, data)
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode defaults: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode defaults: %w", err)
	}
	return m, nil
}

// deepMerge merges src into dst; nested objects merge, anything else replaces
func deepMerge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]any)
		dstMap, dstIsMap := dst[k].(map[string]any)
		if srcIsMap && dstIsMap {
			dst[k] = deepMerge(dstMap, srcMap)
			continue
		}
		dst[k] = v
	}
	return dst
}

// applyEnv reads PREFIX_LOG_LEVEL, PREFIX_LOG_FORMAT, PREFIX_LOOPS,
// PREFIX_QUEUE_SIZE, PREFIX_TIMEOUT and PREFIX_METRICS_ADDR
func (l *Loader) applyEnv(cfg *Config) error {
	if l.envPrefix == "" {
		return nil
	}
	get := func(name string) (string, bool, error) {
		key := l.envPrefix + "_" + name
		v, ok := l.lookupEnv(key)
		if !ok || v == "" {
			return "", false, nil
		}
		if err := checkEnv(key, v); err != nil {
			return "", false, err
		}
		return v, true, nil
	}
	integer := func(name string, dst *int) error {
		v, ok, err := get(name)
		if err != nil || !ok {
			return err
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s_%s: %w", l.envPrefix, name, err)
		}
		*dst = n
		return nil
	}

	if v, ok, err := get("LOG_LEVEL"); err != nil {
		return err
	} else if ok {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v, ok, err := get("LOG_FORMAT"); err != nil {
		return err
	} else if ok {
		cfg.Log.Format = strings.ToLower(v)
	}
	if err := integer("LOOPS", &cfg.Bus.Loops); err != nil {
		return err
	}
	if err := integer("QUEUE_SIZE", &cfg.Bus.QueueSize); err != nil {
		return err
	}
	if v, ok, err := get("TIMEOUT"); err != nil {
		return err
	} else if ok {
		d, err := parseDurationWithDays(v)
		if err != nil {
			return fmt.Errorf("%s_TIMEOUT: %w", l.envPrefix, err)
		}
		cfg.Bus.DefaultTimeout = Duration(d)
	}
	if v, ok, err := get("METRICS_ADDR"); err != nil {
		return err
	} else if ok {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = v
	}
	return nil
}
