package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// FileName is the configuration file searched for when no path is given.
const FileName = "hoist.yaml"

// EnvPrefix prefixes environment overrides: HOIST_SERVER_ADDR sets server.addr.
const EnvPrefix = "HOIST"

// SearchPaths are the directories searched for FileName, in order.
func SearchPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "hoist"))
	}
	return append(paths, "/etc/hoist")
}

// Load reads the configuration into v and decodes it. An explicit path must
// exist; otherwise the search paths are tried and a missing file leaves the
// defaults in place. Flags already bound to v take precedence over the file.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	applyDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.SetConfigType("yaml")
		for _, dir := range SearchPaths() {
			v.AddConfigPath(dir)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints and cross-field rules.
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Auth.Enabled && len(c.Auth.Secret) < 32 {
		return errors.New("invalid configuration: auth.secret must be at least 32 bytes")
	}

	seen := make(map[string]bool, len(c.Drivers))
	for _, d := range c.Drivers {
		if seen[d.Name] {
			return fmt.Errorf("invalid configuration: driver %q is configured twice", d.Name)
		}
		seen[d.Name] = true
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Write saves cfg as YAML at path. It refuses to replace an existing file.
func Write(path string, cfg *Config) error {
	data, err := Marshal(cfg)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write config: %w", err)
	}
	return f.Close()
}

// Marshal renders cfg as YAML with durations written as "30s".
func Marshal(cfg *Config) ([]byte, error) {
	var buf strings.Builder
	buf.WriteString("# Hoist configuration. Every key can be overridden with a HOIST_ environment\n")
	buf.WriteString("# variable, e.g. HOIST_SERVER_ADDR=:9090.\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(settings(reflect.ValueOf(cfg))); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return []byte(buf.String()), nil
}

// applyDefaults registers every leaf of cfg as a viper default so that
// environment overrides apply to keys the file does not mention.
func applyDefaults(v *viper.Viper, cfg *Config) {
	tree, _ := settings(reflect.ValueOf(cfg)).(map[string]interface{})
	var walk func(prefix string, m map[string]interface{})
	walk = func(prefix string, m map[string]interface{}) {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			if sub, ok := m[k].(map[string]interface{}); ok && len(sub) > 0 {
				walk(key, sub)
				continue
			}
			v.SetDefault(key, m[k])
		}
	}
	walk("", tree)
}

var durationType = reflect.TypeOf(time.Duration(0))

// settings converts a configuration value into the plain maps and slices
// viper and yaml understand, keyed by mapstructure tags.
func settings(rv reflect.Value) interface{} {
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Type() == durationType {
		return time.Duration(rv.Int()).String()
	}

	switch rv.Kind() {
	case reflect.Struct:
		out := make(map[string]interface{}, rv.NumField())
		for i := 0; i < rv.NumField(); i++ {
			field := rv.Type().Field(i)
			if !field.IsExported() {
				continue
			}
			name, _, _ := strings.Cut(field.Tag.Get("mapstructure"), ",")
			if name == "-" {
				continue
			}
			if name == "" {
				name = strings.ToLower(field.Name)
			}
			out[name] = settings(rv.Field(i))
		}
		return out
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return []interface{}{}
		}
		out := make([]interface{}, rv.Len())
		for i := range out {
			out[i] = settings(rv.Index(i))
		}
		return out
	case reflect.Map:
		out := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = settings(iter.Value())
		}
		return out
	default:
		return rv.Interface()
	}
}
