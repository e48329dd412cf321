package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/hyperrealist/bluesky/pkg/checklist"
	"github.com/hyperrealist/bluesky/pkg/signal"
	"github.com/hyperrealist/bluesky/pkg/suspend"
)

// ErrInvalidProfile is returned for profiles that fail to parse or validate.
var ErrInvalidProfile = errors.New("invalid profile")

// SupportedVersions is the profile version constraint this build accepts.
const SupportedVersions = "^1"

const profileSchemaURL = "https://bluesky.schemas.local/config/profile.schema.json"

//go:embed profile.schema.json
var profileSchema string

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

// Profile declares the suspenders and pre-flight checklist for a run.
type Profile struct {
	Version    string            `yaml:"version" toml:"version" json:"version"`
	Name       string            `yaml:"name,omitempty" toml:"name,omitempty" json:"name,omitempty"`
	Suspenders []SuspenderConfig `yaml:"suspenders,omitempty" toml:"suspenders,omitempty" json:"suspenders,omitempty"`
	Checklist  []checklist.Check `yaml:"checklist,omitempty" toml:"checklist,omitempty" json:"checklist,omitempty"`
}

// SuspenderConfig is one declared suspender.
type SuspenderConfig struct {
	Name            string   `yaml:"name,omitempty" toml:"name,omitempty" json:"name,omitempty"`
	Signal          string   `yaml:"signal" toml:"signal" json:"signal"`
	Kind            string   `yaml:"kind" toml:"kind" json:"kind"`
	Threshold       *float64 `yaml:"threshold,omitempty" toml:"threshold,omitempty" json:"threshold,omitempty"`
	ResumeThreshold *float64 `yaml:"resume_threshold,omitempty" toml:"resume_threshold,omitempty" json:"resume_threshold,omitempty"`
	Low             *float64 `yaml:"low,omitempty" toml:"low,omitempty" json:"low,omitempty"`
	High            *float64 `yaml:"high,omitempty" toml:"high,omitempty" json:"high,omitempty"`
	Settle          Duration `yaml:"settle,omitempty" toml:"settle,omitempty" json:"settle,omitempty"`
	Message         string   `yaml:"message,omitempty" toml:"message,omitempty" json:"message,omitempty"`
}

// Duration is a time.Duration written as a Go duration string ("500ms").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Policy builds the declared suspend policy.
func (s SuspenderConfig) Policy() (suspend.Policy, error) {
	kind, err := suspend.ParseKind(s.Kind)
	if err != nil {
		return suspend.Policy{}, err
	}
	switch kind {
	case suspend.KindBoolHigh:
		return suspend.BoolHigh(), nil
	case suspend.KindBoolLow:
		return suspend.BoolLow(), nil
	case suspend.KindFloor, suspend.KindCeil:
		if s.Threshold == nil {
			return suspend.Policy{}, fmt.Errorf("%w: %s needs a threshold", suspend.ErrInvalidPolicy, kind)
		}
		resume := *s.Threshold
		if s.ResumeThreshold != nil {
			resume = *s.ResumeThreshold
		}
		if kind == suspend.KindFloor {
			return suspend.FloorWithResume(*s.Threshold, resume)
		}
		return suspend.CeilWithResume(*s.Threshold, resume)
	default:
		if s.Low == nil || s.High == nil {
			return suspend.Policy{}, fmt.Errorf("%w: %s needs low and high", suspend.ErrInvalidPolicy, kind)
		}
		if kind == suspend.KindInBand {
			return suspend.InBand(*s.Low, *s.High)
		}
		return suspend.OutBand(*s.Low, *s.High)
	}
}

func (s SuspenderConfig) label(i int) string {
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("suspenders[%d]", i)
}

// LoadProfile reads a YAML (.yaml, .yml) or TOML (.toml) profile, validates
// it against the profile schema and checks its version.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", path, err)
	}
	p, err := ParseProfile(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("profile %q: %w", path, err)
	}
	return p, nil
}

// ParseProfile decodes a profile in the format named by ext.
func ParseProfile(data []byte, ext string) (*Profile, error) {
	var (
		doc any
		p   Profile
	)
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: parse yaml: %v", ErrInvalidProfile, err)
		}
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: decode yaml: %v", ErrInvalidProfile, err)
		}
	case ".toml":
		var m map[string]any
		if err := toml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: parse toml: %v", ErrInvalidProfile, err)
		}
		doc = m
		if err := toml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: decode toml: %v", ErrInvalidProfile, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported format %q", ErrInvalidProfile, ext)
	}

	if err := validateDocument(doc); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func schema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(profileSchemaURL, strings.NewReader(profileSchema)); err != nil {
			schemaErr = fmt.Errorf("profile schema load failed: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(profileSchemaURL)
	})
	return compiledSchema, schemaErr
}

// validateDocument runs the schema over the generic decoding. The document is
// round-tripped through JSON so YAML and TOML scalars reach the validator as
// JSON values.
func validateDocument(doc any) error {
	s, err := schema()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	return nil
}

// Validate checks the version constraint and every suspender policy.
func (p *Profile) Validate() error {
	v, err := semver.NewVersion(p.Version)
	if err != nil {
		return fmt.Errorf("%w: version %q: %v", ErrInvalidProfile, p.Version, err)
	}
	c, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return err
	}
	if !c.Check(v) {
		return fmt.Errorf("%w: version %s does not satisfy %s", ErrInvalidProfile, v, SupportedVersions)
	}
	for i, s := range p.Suspenders {
		if _, err := s.Policy(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidProfile, s.label(i), err)
		}
		if s.Settle < 0 {
			return fmt.Errorf("%w: %s: negative settle", ErrInvalidProfile, s.label(i))
		}
	}
	return nil
}

// BuildSuspenders creates one unarmed suspender per declared entry. opts are
// applied after the declared settings, so callers can inject a clock or
// logger shared by all of them.
func (p *Profile) BuildSuspenders(r signal.Reader, opts ...suspend.Option) ([]*suspend.Suspender, error) {
	out := make([]*suspend.Suspender, 0, len(p.Suspenders))
	for i, s := range p.Suspenders {
		pol, err := s.Policy()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.label(i), err)
		}
		o := []suspend.Option{suspend.WithSettle(time.Duration(s.Settle))}
		if s.Name != "" {
			o = append(o, suspend.WithName(s.Name))
		}
		if s.Message != "" {
			o = append(o, suspend.WithMessage(s.Message))
		}
		sus, err := suspend.New(r, s.Signal, pol, append(o, opts...)...)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.label(i), err)
		}
		out = append(out, sus)
	}
	return out, nil
}

// BuildChecklist compiles the declared checklist against r.
func (p *Profile) BuildChecklist(r signal.Reader, opts ...checklist.Option) (*checklist.Checklist, error) {
	return checklist.New(r, p.Checklist, opts...)
}
