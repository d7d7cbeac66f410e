package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/roach88/dagstate/internal/gc"
)

// validate is shared; validator.Validate caches struct metadata.
var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("schedule", validateSchedule)
}

// validateSchedule accepts an empty string or anything gc.ParseSchedule
// accepts.
func validateSchedule(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if s == "" {
		return true
	}
	_, err := gc.ParseSchedule(s)
	return err == nil
}

// Load reads path over Default and validates the result. The format
// follows the extension: .yaml/.yml or .cue.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = decodeYAML(data, &cfg)
	case ".cue":
		err = decodeCUE(path, data, &cfg)
	default:
		return nil, fmt.Errorf("config %s: unsupported extension %q", path, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func decodeCUE(path string, data []byte, cfg *Config) error {
	v := cuecontext.New().CompileBytes(data, cue.Filename(path))
	if err := v.Err(); err != nil {
		return err
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return err
	}
	// Round-trip through JSON so the file overlays the defaults instead
	// of replacing them.
	data, err := v.MarshalJSON()
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(cfg)
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s fails %q", fe.Namespace(), fe.Tag())
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return err
	}

	seen := make(map[string]bool)
	for _, ctx := range c.Boundary.Contexts {
		if seen[ctx.ID] {
			return fmt.Errorf("invalid config: context %q declared twice", ctx.ID)
		}
		seen[ctx.ID] = true
	}
	for _, p := range c.Boundary.Peers {
		if seen[p.ID] {
			return fmt.Errorf("invalid config: peer %q collides with another context", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}
