package mzbuild

import (
	"encoding/json"
	"os"
	"regexp"

	"sigs.k8s.io/yaml"

	"github.com/def-/materialize/pkg/mzbuild/mzerrors"
)

// ManifestFileName is the on-disk filename discovery looks for in each
// mzbuild context directory.
const ManifestFileName = "mzbuild.yml"

// DockerfileName is the container build file discovery looks for alongside
// the manifest.
const DockerfileName = "Dockerfile"

var nameRE = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// manifestDoc mirrors the on-disk mzbuild.yml schema. Field names are
// translated through json tags, the same sigs.k8s.io/yaml idiom the
// teacher's Kubernetes manifest loader uses: YAML is decoded by first
// converting it to JSON and then unmarshaling with encoding/json rules, so
// struct tags double as both JSON and YAML keys.
type manifestDoc struct {
	Name        string            `json:"name"`
	Publish     *bool             `json:"publish,omitempty"`
	Description string            `json:"description,omitempty"`
	Mainline    *bool             `json:"mainline,omitempty"`
	PreImage    []preImageDoc     `json:"pre-image,omitempty"`
	BuildArgs   map[string]string `json:"build-args,omitempty"`
}

// preImageDoc is the raw, not-yet-dispatched pre-image entry: every variant
// field is optional and `Type` decides which ones are meaningful.
type preImageDoc struct {
	Type string `json:"type"`

	// copy fields
	Source      string `json:"source,omitempty"`
	Destination string `json:"destination,omitempty"`
	Matching    string `json:"matching,omitempty"`

	// cargo-build fields
	Bin     rawStringList                 `json:"bin,omitempty"`
	Example rawStringList                 `json:"example,omitempty"`
	Strip   *bool                         `json:"strip,omitempty"`
	Extract map[string]map[string]string  `json:"extract,omitempty"`
}

// rawStringList accepts either a bare string or a list of strings, since
// spec §6 allows both for `bin`/`example`.
type rawStringList []string

func (r *rawStringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single != "" {
			*r = []string{single}
		}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*r = list
	return nil
}

func parseManifest(path string) (manifestDoc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return manifestDoc{}, mzerrors.IoError(path, err)
	}

	var doc manifestDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return manifestDoc{}, mzerrors.ConfigErrorf("manifest", path, "malformed manifest: %v", err)
	}

	if doc.Name == "" {
		return manifestDoc{}, mzerrors.ConfigError("manifest", path, "missing required field: name")
	}
	if !nameRE.MatchString(doc.Name) {
		return manifestDoc{}, mzerrors.ConfigErrorf("manifest", path, "invalid name %q: must match %s", doc.Name, nameRE.String())
	}

	return doc, nil
}

func boolOrDefault(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
