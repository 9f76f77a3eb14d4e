package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueyaml "cuelang.org/go/encoding/yaml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/timzifer/glucotray/glucose"
)

//go:embed schema.cue
var schemaSource string

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

var (
	schemaOnce sync.Once
	schemaCtx  *cue.Context
	schemaDef  cue.Value
	schemaErr  error

	structValidator = validator.New()
)

func loadSchema() (*cue.Context, cue.Value, error) {
	schemaOnce.Do(func() {
		schemaCtx = cuecontext.New()
		compiled := schemaCtx.CompileString(schemaSource, cue.Filename("schema.cue"))
		if err := compiled.Err(); err != nil {
			schemaErr = fmt.Errorf("compile config schema: %w", err)
			return
		}
		schemaDef = compiled.LookupPath(cue.ParsePath("#Config"))
		schemaErr = schemaDef.Err()
	})
	return schemaCtx, schemaDef, schemaErr
}

// validateDocument checks a raw YAML or JSON document against the embedded
// CUE schema. Unknown keys and mistyped values are rejected.
func validateDocument(name string, data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	ctx, def, err := loadSchema()
	if err != nil {
		return err
	}
	file, err := cueyaml.Extract(name, data)
	if err != nil {
		return fmt.Errorf("parse config %s: %w", name, err)
	}
	doc := ctx.BuildFile(file)
	if err := doc.Err(); err != nil {
		return fmt.Errorf("parse config %s: %w", name, err)
	}
	if err := def.Unify(doc).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
	}
	return nil
}

func validateStruct(cfg *Config) error {
	if err := structValidator.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := glucose.ParseUnits(cfg.Units); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if cfg.PollInterval.Duration < 0 || cfg.RequestTimeout.Duration < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalid)
	}
	if cfg.Logging.Loki.Enabled && strings.TrimSpace(cfg.Logging.Loki.URL) == "" {
		return fmt.Errorf("%w: logging.loki.url is required when loki is enabled", ErrInvalid)
	}
	return nil
}

// Validate checks cfg against the schema and the field rules.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := validateDocument("config", data); err != nil {
		return err
	}
	return validateStruct(cfg)
}
