// load.go - Laden von Modell-Beschreibungen
//
// Unterstuetzte Locator:
// - Lokales .zip Archiv (wird in den Model-Cache entpackt)
// - Lokales Verzeichnis mit rdf.yaml oder Pfad einer rdf.yaml
// - http(s) URL eines rdf.yaml Ordners (wird in den Model-Cache geladen)
package model

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/affinities/affinities/envconfig"
	"github.com/affinities/affinities/version"
)

const rdfName = "rdf.yaml"

var ErrModelLoad = errors.New("model load failed")

// LoadError traegt den Locator eines fehlgeschlagenen Ladevorgangs
// errors.Is(err, ErrModelLoad) ist immer erfuellt
type LoadError struct {
	Locator string
	Err     error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load model %q: %v", e.Locator, e.Err)
}

func (e *LoadError) Unwrap() []error {
	return []error{ErrModelLoad, e.Err}
}

// rdf ist das On-Disk Format der Modell-Beschreibung
type rdf struct {
	Name        string                `yaml:"name"`
	Description string                `yaml:"description"`
	Inputs      []TensorSpec          `yaml:"inputs"`
	Outputs     []TensorSpec          `yaml:"outputs"`
	Weights     map[string]rdfWeights `yaml:"weights"`
	Config      rdfConfig             `yaml:"config"`
}

type rdfWeights struct {
	Source string `yaml:"source"`
}

type rdfConfig struct {
	MWS struct {
		Offsets [][]int `yaml:"offsets"`
	} `yaml:"mws"`
	Affinities struct {
		Architecture string `yaml:"architecture"`
		InChannels   int    `yaml:"in_channels"`
		LSDChannels  int    `yaml:"lsd_channels"`
	} `yaml:"affinities"`
}

// Load laedt die Modell-Beschreibung hinter locator
func Load(ctx context.Context, locator string) (*Spec, error) {
	spec, err := load(ctx, locator)
	if err != nil {
		return nil, &LoadError{Locator: locator, Err: err}
	}

	slog.Info("loaded model", "locator", locator, "model", spec)
	return spec, nil
}

func load(ctx context.Context, locator string) (*Spec, error) {
	if u, err := url.Parse(locator); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		ctx, cancel := context.WithTimeout(ctx, envconfig.LoadTimeout())
		defer cancel()

		dir, err := download(ctx, u)
		if err != nil {
			return nil, err
		}
		return parseFile(filepath.Join(dir, rdfName))
	}

	fi, err := os.Stat(locator)
	if err != nil {
		return nil, err
	}

	switch {
	case fi.IsDir():
		return parseFile(filepath.Join(locator, rdfName))
	case strings.EqualFold(filepath.Ext(locator), ".zip"):
		dir, err := extract(locator)
		if err != nil {
			return nil, err
		}
		return parseFile(filepath.Join(dir, rdfName))
	default:
		return parseFile(locator)
	}
}

// Parse dekodiert eine rdf.yaml, relative Gewichte werden gegen root aufgeloest
func Parse(r io.Reader, root string) (*Spec, error) {
	var doc rdf
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", rdfName, err)
	}

	spec := Spec{
		Name:         doc.Name,
		Description:  doc.Description,
		Architecture: doc.Config.Affinities.Architecture,
		Offsets:      doc.Config.MWS.Offsets,
		Inputs:       doc.Inputs,
		Outputs:      doc.Outputs,
		InChannels:   doc.Config.Affinities.InChannels,
		LSDChannels:  doc.Config.Affinities.LSDChannels,
		Root:         root,
	}

	if spec.Architecture == "" {
		spec.Architecture = "shift-linear"
	}
	if spec.InChannels == 0 {
		spec.InChannels = 1
	}

	for format, w := range doc.Weights {
		if format != "gguf" {
			slog.Debug("ignoring weights", "format", format, "source", w.Source)
			continue
		}
		spec.Weights = Weights{Format: format, Source: w.Source}
	}

	if spec.Weights.Source == "" && len(doc.Weights) > 0 {
		return nil, fmt.Errorf("no supported weights format, need gguf")
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}

	if _, ok := models[spec.Architecture]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedModel, spec.Architecture)
	}

	if p := spec.WeightsPath(); p != "" {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("weights: %w", err)
		}
	}

	return &spec, nil
}

func parseFile(name string) (*Spec, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Parse(f, filepath.Dir(name))
}

// cacheDir gibt ein stabiles Cache-Verzeichnis fuer key zurueck
func cacheDir(kind, key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(envconfig.Models(), kind, hex.EncodeToString(sum[:])[:16])
}

// extract entpackt ein Modell-Archiv in den Model-Cache
func extract(archive string) (string, error) {
	abs, err := filepath.Abs(archive)
	if err != nil {
		return "", err
	}

	r, err := zip.OpenReader(abs)
	if err != nil {
		return "", fmt.Errorf("unable to open model archive %s: %w", archive, err)
	}
	defer r.Close()

	dest := cacheDir("archives", abs)
	if err := os.RemoveAll(dest); err != nil {
		return "", err
	}

	root, rootName := "", ""
	for _, f := range r.File {
		name := filepath.FromSlash(f.Name)
		if !filepath.IsLocal(name) {
			return "", fmt.Errorf("archive entry %q escapes destination", f.Name)
		}

		target := filepath.Join(dest, name)
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return "", err
			}
			continue
		}

		// Die oberste rdf.yaml bestimmt das Modell-Verzeichnis
		if path.Base(f.Name) == rdfName && (root == "" || len(name) < len(rootName)) {
			root, rootName = filepath.Dir(target), name
		}

		if err := extractFile(f, target); err != nil {
			return "", err
		}
	}

	if root == "" {
		return "", fmt.Errorf("archive %s has no %s", archive, rdfName)
	}

	slog.Debug("extracted model archive", "archive", archive, "dest", root)
	return root, nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(target)
	if err != nil {
		return err
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

// download laedt rdf.yaml und die Gewichte eines entfernten Ordners
func download(ctx context.Context, u *url.URL) (string, error) {
	base := *u
	if path.Ext(base.Path) == ".yaml" {
		base.Path = path.Dir(base.Path)
	}
	base.Path = strings.TrimSuffix(base.Path, "/") + "/"

	dest := cacheDir("remote", base.String())
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", err
	}

	rdfURL := base.JoinPath(rdfName)
	if path.Ext(u.Path) == ".yaml" {
		rdfURL = u
	}

	if err := downloadFile(ctx, rdfURL.String(), filepath.Join(dest, rdfName)); err != nil {
		return "", err
	}

	f, err := os.Open(filepath.Join(dest, rdfName))
	if err != nil {
		return "", err
	}
	defer f.Close()

	var doc rdf
	if err := yaml.NewDecoder(f).Decode(&doc); err != nil {
		return "", fmt.Errorf("decode %s: %w", rdfName, err)
	}

	if w, ok := doc.Weights["gguf"]; ok && w.Source != "" {
		src, err := base.Parse(w.Source)
		if err != nil {
			return "", err
		}

		name := path.Base(src.Path)
		if name != w.Source {
			return "", fmt.Errorf("weights source %q must be a file name next to %s", w.Source, rdfName)
		}

		if err := downloadFile(ctx, src.String(), filepath.Join(dest, name)); err != nil {
			return "", err
		}
	}

	return dest, nil
}

func downloadFile(ctx context.Context, rawURL, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", fmt.Sprintf("affinities/%s", version.Version))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: %s", rawURL, resp.Status)
	}

	tmp := target + ".download"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	n, err := io.Copy(f, resp.Body)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	slog.Debug("downloaded", "url", rawURL, "bytes", n)
	return os.Rename(tmp, target)
}
