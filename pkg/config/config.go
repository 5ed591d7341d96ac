// Tiercache uses flags and a single config file for configuration.
// A config file is stored in YAML format and contains the values that can be set via flags. Every leaf of File names
// its flag in a `flag` struct tag; nested structs only group related flags. Flags given on the command line take
// precedence over the file.

package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

var configFilePath = flag.String("config_file", "config.yaml", "Path to the configuration file.")

// skippedConfigFlags is the list of command line flags that have no config file entry.
var skippedConfigFlags = []string{"print_version", "config_file"}

// File is the schema of the config file. Nil fields leave their flag untouched.
type File struct {
	Server struct {
		Address         *string `yaml:"address" flag:"address"`
		MetricsAddress  *string `yaml:"metrics_address" flag:"metrics_address"`
		CleanupInterval *string `yaml:"cleanup_interval" flag:"cleanup_interval"` // E.g. "6h".
	} `yaml:"server"`
	Engine struct {
		CacheDir                *string  `yaml:"cache_dir" flag:"cache_dir"`
		Namespace               *string  `yaml:"namespace" flag:"namespace"`
		MemoryBudgetBytes       *int64   `yaml:"memory_budget_bytes" flag:"memory_budget_bytes"`
		RetentionDays           *int     `yaml:"retention_days" flag:"retention_days"`
		MemoryEvictionPolicy    *string  `yaml:"memory_eviction_policy" flag:"memory_eviction_policy"`
		QueueDepth              *int     `yaml:"queue_depth" flag:"queue_depth"`
		LatencyRelativeAccuracy *float64 `yaml:"latency_relative_accuracy" flag:"latency_relative_accuracy"`
	} `yaml:"engine"`
	Disk struct {
		KeyFilterCapacity *uint    `yaml:"key_filter_capacity" flag:"disk_key_filter_capacity"`
		KeyFilterFPRate   *float64 `yaml:"key_filter_fp_rate" flag:"disk_key_filter_fp_rate"`
	} `yaml:"disk"`
	Logging struct {
		HandlerType *string `yaml:"handler_type" flag:"log_handler_type"`
		Level       *string `yaml:"level" flag:"log_level"`
		AddSource   *bool   `yaml:"add_source" flag:"log_add_source"`
	} `yaml:"logging"`
}

// ParseFile decodes a config file. Unknown keys are rejected.
func ParseFile(r io.Reader) (*File, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	conf := new(File)
	if err := decoder.Decode(conf); err != nil && !errors.Is(err, io.EOF) { // An empty file is a valid config.
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return conf, nil
}

// collectFlagValues walks `v` and maps every set leaf to its flag's string value.
func collectFlagValues(values map[ /*flagName*/ string] /*flagValue*/ string, v reflect.Value) {
	for i := range v.NumField() {
		field, fieldType := v.Field(i), v.Type().Field(i)
		if field.Kind() == reflect.Struct {
			collectFlagValues(values, field)
			continue
		}
		flagName, hasFlag := fieldType.Tag.Lookup("flag")
		if !hasFlag || field.Kind() != reflect.Pointer || field.IsNil() {
			continue
		}
		values[flagName] = fmt.Sprint(field.Elem().Interface())
	}
}

// Apply sets the flags of every entry in `conf`, except for the flags listed in `skip`.
func (conf *File) Apply(skip map[string]bool) error {
	values := make(map[string]string)
	collectFlagValues(values, reflect.ValueOf(conf).Elem())
	for flagName, value := range values {
		if skip[flagName] {
			slog.Debug("Config file entry is overridden by the command line.", "flag", flagName)
			continue
		}
		if err := flag.Set(flagName, value); err != nil {
			return fmt.Errorf("failed to set flag %s: %w", flagName, err)
		}
	}
	return nil
}

// LoadFile applies the config file at `path`. A missing file is not an error.
func LoadFile(path string, skip map[string]bool) error {
	configFile, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Warn("Config file does not exist.", "path", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() { _ = configFile.Close() }()

	conf, err := ParseFile(configFile)
	if err != nil {
		return err
	}
	return conf.Apply(skip)
}

// InitFlags parses the command line and then applies the config file specified by the -config_file flag.
// It should be called after defining all flags and before using them.
func InitFlags() error {
	flag.Parse()

	if *configFilePath == "" {
		slog.Info("Config file not specified. Skipping config initialization.")
		return nil
	}
	fromCommandLine := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { fromCommandLine[f.Name] = true })
	return LoadFile(*configFilePath, fromCommandLine)
}

// getDefinedFlags returns the flag names declared by File.
func getDefinedFlags(t reflect.Type) map[ /*flagName*/ string]struct{} {
	defined := make(map[string]struct{})
	for i := range t.NumField() {
		field := t.Field(i)
		if field.Type.Kind() == reflect.Struct {
			for name := range getDefinedFlags(field.Type) {
				defined[name] = struct{}{}
			}
			continue
		}
		if name, ok := field.Tag.Lookup("flag"); ok {
			defined[name] = struct{}{}
		}
	}
	return defined
}

// CollectUnregisteredFlags reports every registered flag that has no config file entry.
func CollectUnregisteredFlags() []error {
	definedFlags := getDefinedFlags(reflect.TypeFor[File]())
	errs := make([]error, 0)
	flag.VisitAll(func(f *flag.Flag) {
		if strings.HasPrefix(f.Name, "test.") { // Skip test flags.
			return
		}
		if slices.Contains(skippedConfigFlags, f.Name) {
			return
		}
		if _, flagHasConfigEntry := definedFlags[f.Name]; !flagHasConfigEntry {
			errs = append(errs, fmt.Errorf("flag '%s' has not been defined in the config file schema", f.Name))
		}
	})
	return errs
}
