// Package persist reads and writes the project document: the whole model plus
// its revision, behind a JSON Schema gate and a format-version gate. Loading
// fails closed; a rejected document never yields a partial model.
package persist

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/WessleyAI/safetygraph/engine/domain"
	"github.com/WessleyAI/safetygraph/engine/graph"
	"github.com/WessleyAI/safetygraph/pkg/fn"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// FormatVersion is written into every saved document.
const FormatVersion = "1.0.0"

// Compatible is the range of format versions the loader accepts.
const Compatible = "^1"

const schemaURL = "https://github.com/WessleyAI/safetygraph/document.schema.json"

//go:embed schema/document.schema.json
var schemaJSON []byte

var (
	documentSchema = mustCompile()
	constraint     = mustConstraint()
)

func mustConstraint() *semver.Constraints {
	c, err := semver.NewConstraint(Compatible)
	if err != nil {
		panic(fmt.Sprintf("persist: constraint: %v", err))
	}
	return c
}

func mustCompile() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		panic(fmt.Sprintf("persist: schema: %v", err))
	}
	return c.MustCompile(schemaURL)
}

// Document is the persisted form of a project.
type Document struct {
	FormatVersion string        `json:"format_version"`
	Revision      uint64        `json:"revision"`
	SavedAt       time.Time     `json:"saved_at"`
	Model         *domain.Model `json:"model"`
}

// NewDocument wraps m for saving.
func NewDocument(m *domain.Model, revision uint64, now time.Time) Document {
	return Document{FormatVersion: FormatVersion, Revision: revision, SavedAt: now.UTC(), Model: m}
}

// Encode writes doc as indented JSON.
func Encode(w io.Writer, doc Document) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("persist: encode: %w", err)
	}
	return nil
}

// EncodeYAML writes the same document as YAML.
func EncodeYAML(w io.Writer, doc Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("persist: encode: %w", err)
	}
	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return fmt.Errorf("persist: encode: %w", err)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(tree); err != nil {
		return fmt.Errorf("persist: encode yaml: %w", err)
	}
	return enc.Close()
}

// load carries a document through the decode pipeline.
type load struct {
	raw  []byte
	tree any
	doc  Document
}

func loadErr(stage string, err error) *domain.LoadError {
	return &domain.LoadError{Stage: stage, Wrapped: err}
}

func decodeStage(_ context.Context, l *load) fn.Result[*load] {
	dec := json.NewDecoder(bytes.NewReader(l.raw))
	dec.UseNumber()
	if err := dec.Decode(&l.tree); err != nil {
		return fn.Err[*load](loadErr("decode", fmt.Errorf("%w: %v", domain.ErrFormat, err)))
	}
	return fn.Ok(l)
}

func schemaStage(_ context.Context, l *load) fn.Result[*load] {
	err := documentSchema.Validate(l.tree)
	if err == nil {
		return fn.Ok(l)
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return fn.Err[*load](loadErr("schema", err))
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	le := locate(leaf.InstanceLocation)
	le.Stage = "schema"
	le.Wrapped = fmt.Errorf("%w: %s", domain.ErrValidation, leaf.Message)
	return fn.Err[*load](le)
}

func versionStage(_ context.Context, l *load) fn.Result[*load] {
	obj, _ := l.tree.(map[string]any)
	raw, _ := obj["format_version"].(string)
	v, err := semver.NewVersion(raw)
	if err != nil {
		le := loadErr("version", fmt.Errorf("%w: %q: %v", domain.ErrFormat, raw, err))
		le.Field = "format_version"
		return fn.Err[*load](le)
	}
	if !constraint.Check(v) {
		le := loadErr("version", fmt.Errorf("%w: %s is outside %s", domain.ErrFormat, v, Compatible))
		le.Field = "format_version"
		return fn.Err[*load](le)
	}
	return fn.Ok(l)
}

func unmarshalStage(_ context.Context, l *load) fn.Result[*load] {
	if err := json.Unmarshal(l.raw, &l.doc); err != nil {
		le := loadErr("unmarshal", err)
		var te *json.UnmarshalTypeError
		if errors.As(err, &te) {
			le.Field = te.Field
		}
		return fn.Err[*load](le)
	}
	l.doc.Model.Normalize()
	return fn.Ok(l)
}

func checkStage(_ context.Context, l *load) fn.Result[*load] {
	err := graph.CheckModel(l.doc.Model)
	if err == nil {
		return fn.Ok(l)
	}
	le := loadErr("check", err)
	var ve *domain.ValidationError
	var re *domain.ReferentialIntegrityError
	switch {
	case errors.As(err, &ve):
		le.Entity, le.ID, le.Field = ve.Entity, ve.ID, ve.Field
	case errors.As(err, &re):
		le.Entity, le.ID, le.Field = re.Entity, re.ID, re.Field
	}
	return fn.Err[*load](le)
}

var decodePipeline = fn.Pipeline(
	fn.Traced[*load, *load]("persist.decode", decodeStage),
	fn.Traced[*load, *load]("persist.schema", schemaStage),
	fn.Traced[*load, *load]("persist.version", versionStage),
	fn.Traced[*load, *load]("persist.unmarshal", unmarshalStage),
	fn.Traced[*load, *load]("persist.check", checkStage),
)

// Decode reads and checks a JSON document. Every failure is a
// *domain.LoadError locating the offending record when possible.
func Decode(ctx context.Context, r io.Reader) (Document, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Document{}, loadErr("read", err)
	}
	l, err := decodePipeline(ctx, &load{raw: raw}).Unwrap()
	if err != nil {
		return Document{}, err
	}
	return l.doc, nil
}

// DecodeYAML reads a YAML rendition and runs it through the same gates.
func DecodeYAML(ctx context.Context, r io.Reader) (Document, error) {
	var tree any
	if err := yaml.NewDecoder(r).Decode(&tree); err != nil {
		return Document{}, loadErr("decode", fmt.Errorf("%w: %v", domain.ErrFormat, err))
	}
	raw, err := json.Marshal(tree)
	if err != nil {
		return Document{}, loadErr("decode", fmt.Errorf("%w: %v", domain.ErrFormat, err))
	}
	return Decode(ctx, bytes.NewReader(raw))
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// SaveFile writes doc to path atomically. A .yaml or .yml extension selects
// YAML.
func SaveFile(path string, doc Document) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("persist: save %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	encode := Encode
	if isYAML(path) {
		encode = EncodeYAML
	}
	if err := encode(tmp, doc); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("persist: save %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("persist: save %s: %w", path, err)
	}
	return nil
}

// LoadFile reads a document from path.
func LoadFile(ctx context.Context, path string) (Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return Document{}, loadErr("read", err)
	}
	defer f.Close()
	if isYAML(path) {
		return DecodeYAML(ctx, f)
	}
	return Decode(ctx, f)
}

var tables = map[string]domain.Kind{
	"hazop_docs":       domain.KindHazopDoc,
	"functions":        domain.KindFunction,
	"malfunctions":     domain.KindMalfunction,
	"hara_docs":        domain.KindHaraDoc,
	"hara_rows":        domain.KindHaraRow,
	"safety_goals":     domain.KindSafetyGoal,
	"components":       domain.KindComponent,
	"failure_modes":    domain.KindFailureMode,
	"fault_tree_nodes": domain.KindFaultTreeNode,
	"requirements":     domain.KindRequirement,
	"mission_profiles": domain.KindMissionProfile,
	"reviews":          domain.KindReview,
	"snapshots":        domain.KindSnapshot,
}

var unescape = strings.NewReplacer("~1", "/", "~0", "~")

// locate turns a JSON pointer such as /model/requirements/r-1/asil into the
// entity it names.
func locate(pointer string) *domain.LoadError {
	parts := strings.Split(strings.TrimPrefix(pointer, "/"), "/")
	for i, p := range parts {
		parts[i] = unescape.Replace(p)
	}
	le := &domain.LoadError{}
	if len(parts) >= 3 && parts[0] == "model" {
		if kind, ok := tables[parts[1]]; ok {
			le.Entity = kind
			le.ID = parts[2]
			le.Field = strings.Join(parts[3:], ".")
			return le
		}
	}
	le.Field = strings.Join(parts, ".")
	return le
}
