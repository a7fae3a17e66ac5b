// Package provision loads catalog definitions from YAML documents.
package provision

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/smallbiznis/entitlements/internal/catalog/domain"
	"github.com/spf13/viper"
)

//go:embed catalog.yml
var defaultCatalog []byte

// Default returns the catalog shipped with the binary.
func Default() (domain.Definition, error) {
	return Load(bytes.NewReader(defaultCatalog), "yaml")
}

// LoadFile reads a definition from path; the extension selects the format.
func LoadFile(path string) (domain.Definition, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return domain.Definition{}, fmt.Errorf("read catalog %s: %w", filepath.Base(path), err)
	}
	return decode(v)
}

func Load(r io.Reader, format string) (domain.Definition, error) {
	v := viper.New()
	v.SetConfigType(strings.TrimPrefix(format, "."))
	if err := v.ReadConfig(r); err != nil {
		return domain.Definition{}, fmt.Errorf("read catalog: %w", err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (domain.Definition, error) {
	var def domain.Definition
	if err := v.Unmarshal(&def); err != nil {
		return domain.Definition{}, fmt.Errorf("decode catalog: %w", err)
	}
	for i := range def.Features {
		def.Features[i].Key = strings.TrimSpace(def.Features[i].Key)
	}
	for i := range def.Plans {
		def.Plans[i].Slug = strings.TrimSpace(def.Plans[i].Slug)
		for j := range def.Plans[i].Features {
			def.Plans[i].Features[j].Key = strings.TrimSpace(def.Plans[i].Features[j].Key)
		}
	}
	return def, nil
}
