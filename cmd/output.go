package main

import (
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/custody-trace/internal/model"
)

var outputFormat string

func init() {
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "json", "output format: json or yaml")
}

// printOutput writes v as indented JSON or as YAML. YAML keys follow the
// JSON field names, so both formats render the same document.
func printOutput(w io.Writer, format string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return eris.Wrap(err, "output: marshal")
	}

	switch format {
	case "", "json":
		var doc any
		if err := json.Unmarshal(data, &doc); err != nil {
			return eris.Wrap(err, "output: decode")
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	case "yaml":
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return eris.Wrap(err, "output: decode")
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close() //nolint:errcheck
		return enc.Encode(doc)
	default:
		return eris.Errorf("output: unsupported format %q", format)
	}
}

// readImage loads an image file; an empty path means no image.
func readImage(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read image %s", path)
	}
	return data, nil
}

func parseRole(s string) (model.Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "manufacturer":
		return model.RoleManufacturer, nil
	case "retailer":
		return model.RoleRetailer, nil
	default:
		return "", eris.Errorf("unknown role %q (want manufacturer or retailer)", s)
	}
}
