package mzbuild

import (
	"os"
	"path/filepath"
	"regexp"

	"github.com/def-/materialize/pkg/mzbuild/mzerrors"
)

// mzfromRE matches the MZFROM directive, mzbuild's one extension to the
// container build file format: MZFROM <image-name> at start of line,
// resolved against depends_on and rewritten to FROM <dep.spec()> only at
// build time, never at parse time.
var mzfromRE = regexp.MustCompile(`(?m)^MZFROM\s*(\S+)`)

// Image is one parsed manifest plus container build file: static metadata,
// the ordered list of pre-image actions to run before the container build,
// and the dependency names discovered via MZFROM. Immutable once
// constructed by the Repository walk.
type Image struct {
	Name        string
	Publish     bool
	Description string
	Mainline    bool
	Path        string // absolute directory containing mzbuild.yml and the container build file
	DependsOn   []string
	PreImages   []PreImage
	BuildArgs   map[string]string
}

// LoadImage parses the manifest and container build file in dir into an
// Image. dir must contain both ManifestFileName and DockerfileName.
func LoadImage(dir string) (*Image, error) {
	manifestPath := filepath.Join(dir, ManifestFileName)
	doc, err := parseManifest(manifestPath)
	if err != nil {
		return nil, err
	}

	preImages := make([]PreImage, 0, len(doc.PreImage))
	for i, pd := range doc.PreImage {
		pi, err := buildPreImage(doc.Name, i, pd)
		if err != nil {
			return nil, err
		}
		preImages = append(preImages, pi)
	}

	dockerfilePath := filepath.Join(dir, DockerfileName)
	deps, err := scanMZFROM(dockerfilePath)
	if err != nil {
		return nil, err
	}

	buildArgs := doc.BuildArgs
	if buildArgs == nil {
		buildArgs = map[string]string{}
	}

	return &Image{
		Name:        doc.Name,
		Publish:     boolOrDefault(doc.Publish, true),
		Description: doc.Description,
		Mainline:    boolOrDefault(doc.Mainline, true),
		Path:        dir,
		DependsOn:   deps,
		PreImages:   preImages,
		BuildArgs:   buildArgs,
	}, nil
}

func buildPreImage(imageName string, index int, pd preImageDoc) (PreImage, error) {
	switch pd.Type {
	case "copy":
		return &Copy{
			Source:      pd.Source,
			Destination: pd.Destination,
			Matching:    pd.Matching,
		}, nil
	case "cargo-build":
		if len(pd.Bin) == 0 && len(pd.Example) == 0 {
			return nil, mzerrors.ConfigErrorf("pre-image", imageName, "cargo-build entry %d: at least one of bin/example is required", index)
		}
		return &NativeBuild{
			Bins:     pd.Bin,
			Examples: pd.Example,
			Strip:    boolOrDefault(pd.Strip, true),
			Extract:  pd.Extract,
		}, nil
	default:
		return nil, mzerrors.ConfigErrorf("pre-image", imageName, "unknown pre-image type %q at entry %d", pd.Type, index)
	}
}

// scanMZFROM reads the container build file and returns the dependency
// names named by every MZFROM directive, in file order (duplicates kept;
// the resolver/repository validate against depends_on, not against this
// list's cardinality).
func scanMZFROM(dockerfilePath string) ([]string, error) {
	data, err := os.ReadFile(dockerfilePath)
	if err != nil {
		return nil, mzerrors.IoError(dockerfilePath, err)
	}

	matches := mzfromRE.FindAllSubmatch(data, -1)
	deps := make([]string, 0, len(matches))
	for _, m := range matches {
		deps = append(deps, string(m[1]))
	}
	return deps, nil
}

// RewriteDockerfile reads the image's container build file and rewrites
// every MZFROM line to FROM <spec>, using resolve to map a dependency name
// to its fully qualified spec. No other transformation is applied.
func RewriteDockerfile(dockerfilePath string, resolve func(name string) (string, error)) ([]byte, error) {
	data, err := os.ReadFile(dockerfilePath)
	if err != nil {
		return nil, mzerrors.IoError(dockerfilePath, err)
	}

	var rewriteErr error
	out := mzfromRE.ReplaceAllFunc(data, func(match []byte) []byte {
		if rewriteErr != nil {
			return match
		}
		sub := mzfromRE.FindSubmatch(match)
		name := string(sub[1])
		spec, err := resolve(name)
		if err != nil {
			rewriteErr = err
			return match
		}
		return []byte("FROM " + spec)
	})
	if rewriteErr != nil {
		return nil, rewriteErr
	}

	return out, nil
}
