// Package manifest reads the packaging manifest (apprun.yaml), which
// describes how to assemble a packaged executable.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/distr1/apprun/internal/assemble"
	"github.com/distr1/apprun/internal/squashfs"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DefaultFile is the manifest file name looked up in the current directory.
const DefaultFile = "apprun.yaml"

// Manifest describes one packaged executable. Relative paths are relative to
// the directory containing the manifest.
type Manifest struct {
	// Name is used for the default output file name.
	Name string `mapstructure:"name" yaml:"name" validate:"omitempty,excludesall=/"`

	// Root is the directory tree to package: the program and its closure.
	Root string `mapstructure:"root" yaml:"root" validate:"required,dir"`

	// Entrypoint is the absolute in-image path of the program to run.
	Entrypoint string `mapstructure:"entrypoint" yaml:"entrypoint" validate:"required,startswith=/"`

	// Runtime is the runtime stub. Defaults to apprun-runtime next to the
	// apprun program or in $PATH.
	Runtime string `mapstructure:"runtime" yaml:"runtime,omitempty" validate:"omitempty,file"`

	// Output is the path of the packaged executable. Defaults to
	// <name>.AppImage.
	Output string `mapstructure:"output" yaml:"output,omitempty" validate:"required"`

	// Wrapper is an optional executable installed as /AppRun.
	Wrapper string `mapstructure:"wrapper" yaml:"wrapper,omitempty" validate:"omitempty,file"`

	Compression string `mapstructure:"compression" yaml:"compression,omitempty" validate:"omitempty,oneof=gzip zstd lz4"`
	BlockSize   int    `mapstructure:"block-size" yaml:"block-size,omitempty" validate:"omitempty,min=4096,max=1048576"`

	// Binds is the host path allow-list baked into the image.
	Binds []string `mapstructure:"binds" yaml:"binds,omitempty" validate:"dive,startswith=/"`

	// ModTime is a Unix timestamp used for all files, for reproducible
	// output. Zero means $SOURCE_DATE_EPOCH or the files’ own times.
	ModTime int64 `mapstructure:"mtime" yaml:"mtime,omitempty" validate:"gte=0"`
}

var validate = validator.New()

// Load reads the manifest at path, if non-empty, and applies the values of
// all changed flags in flags on top. Flag names correspond to manifest keys.
func Load(path string, flags *pflag.FlagSet) (*Manifest, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	dir := "."
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("manifest not found: %s", path)
			}
			return nil, fmt.Errorf("reading manifest: %w", err)
		}
		dir = filepath.Dir(path)
	}
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, err
		}
	}
	var m Manifest
	if err := v.Unmarshal(&m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	m.resolve(dir, flags)
	if err := validate.Struct(&m); err != nil {
		return nil, formatValidationError(err)
	}
	return &m, nil
}

// resolve makes manifest-relative paths absolute. Paths given as flags are
// relative to the working directory instead.
func (m *Manifest) resolve(dir string, flags *pflag.FlagSet) {
	for _, p := range []struct {
		key string
		val *string
	}{
		{"root", &m.Root},
		{"runtime", &m.Runtime},
		{"output", &m.Output},
		{"wrapper", &m.Wrapper},
	} {
		if *p.val == "" || filepath.IsAbs(*p.val) {
			continue
		}
		if flags != nil && flags.Changed(p.key) {
			continue
		}
		*p.val = filepath.Join(dir, *p.val)
	}
	if m.Output == "" && m.Name != "" {
		m.Output = m.Name + ".AppImage"
	}
}

// ImageOptions returns the image parameters of m.
func (m *Manifest) ImageOptions() (assemble.ImageOptions, error) {
	opts := assemble.ImageOptions{
		BlockSize:  m.BlockSize,
		Entrypoint: m.Entrypoint,
		Wrapper:    m.Wrapper,
		Binds:      m.Binds,
	}
	if m.Compression != "" {
		c, err := squashfs.ParseCompression(m.Compression)
		if err != nil {
			return opts, err
		}
		opts.Compression = c
	}
	if m.ModTime > 0 {
		opts.ModTime = time.Unix(m.ModTime, 0)
	}
	return opts, nil
}

// Sample returns an example manifest, as written by apprun init.
func Sample(name string) ([]byte, error) {
	m := Manifest{
		Name:        name,
		Root:        "rootfs",
		Entrypoint:  "/bin/" + name,
		Compression: squashfs.Gzip.String(),
		BlockSize:   squashfs.DefaultBlockSize,
		Binds: []string{
			"/dev",
			"/proc",
			"/sys",
			"/tmp",
			"/home",
		},
	}
	b, err := yaml.Marshal(&m)
	if err != nil {
		return nil, err
	}
	header := "# apprun packaging manifest. Build with: apprun pack -f " + DefaultFile + "\n"
	return append([]byte(header), b...), nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validation failed: %w", err)
	}
	var msgs []string
	for _, e := range verrs {
		msgs = append(msgs, formatFieldError(e))
	}
	if len(msgs) == 1 {
		return fmt.Errorf("invalid manifest: %s", msgs[0])
	}
	return fmt.Errorf("invalid manifest:\n  - %s", strings.Join(msgs, "\n  - "))
}

// formatFieldError formats a single validation error into a user-friendly message.
func formatFieldError(e validator.FieldError) string {
	field := strings.ToLower(e.Field())
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("field '%s' is required but missing", field)
	case "oneof":
		return fmt.Sprintf("field '%s' must be one of: %s", field, e.Param())
	case "startswith":
		return fmt.Sprintf("field '%s' must be an absolute path (got %q)", field, e.Value())
	case "dir":
		return fmt.Sprintf("field '%s' must name an existing directory (got %q)", field, e.Value())
	case "file":
		return fmt.Sprintf("field '%s' must name an existing file (got %q)", field, e.Value())
	case "min", "max":
		return fmt.Sprintf("field '%s' must be %s %s", field, map[string]string{"min": "at least", "max": "at most"}[e.Tag()], e.Param())
	default:
		return fmt.Sprintf("field '%s' failed validation (%s)", field, e.Tag())
	}
}
