package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/raphaelgruber/enrich/internal/models"
	"gopkg.in/yaml.v3"
)

// ErrInvalidTargets marks a targets file that failed validation.
var ErrInvalidTargets = errors.New("invalid targets file")

var validate = validator.New()

// PredicateSpec is the file form of models.Predicate. HasLabels restricts the
// match to entities already carrying every listed label.
type PredicateSpec struct {
	EntityType string            `yaml:"entity_type" toml:"entity_type"`
	Provenance string            `yaml:"provenance" toml:"provenance"`
	Properties map[string]string `yaml:"properties" toml:"properties"`
	HasLabels  []string          `yaml:"has_labels" toml:"has_labels" validate:"dive,required"`
}

// BaselineSpec is the file form of models.Baseline.
type BaselineSpec struct {
	Description   string        `yaml:"description" toml:"description" validate:"required"`
	Match         PredicateSpec `yaml:"match" toml:"match"`
	ExpectedCount int           `yaml:"expected_count" toml:"expected_count" validate:"gte=0"`
}

// TargetSpec is the file form of models.MutationTarget.
type TargetSpec struct {
	EntityType    string        `yaml:"entity_type" toml:"entity_type" validate:"required"`
	Match         PredicateSpec `yaml:"match" toml:"match"`
	LabelsToAdd   []string      `yaml:"labels_to_add" toml:"labels_to_add" validate:"required,min=1,dive,required"`
	FinalLabels   []string      `yaml:"final_labels" toml:"final_labels" validate:"required,min=1,dive,required"`
	ExpectedCount int           `yaml:"expected_count" toml:"expected_count" validate:"gte=0"`
	Status        string        `yaml:"status" toml:"status" validate:"omitempty,oneof=NEEDS_ENHANCEMENT ALREADY_ENHANCED"`
}

// TargetsFile is the on-disk description of one enrichment wave.
type TargetsFile struct {
	Operation  string                `yaml:"operation" toml:"operation" validate:"required"`
	Phase      string                `yaml:"phase" toml:"phase" validate:"required"`
	Wave       string                `yaml:"wave" toml:"wave" validate:"required"`
	Vocabulary map[string][]string   `yaml:"vocabulary" toml:"vocabulary" validate:"required,min=1"`
	Baseline   BaselineSpec          `yaml:"baseline" toml:"baseline"`
	Targets    map[string]TargetSpec `yaml:"targets" toml:"targets" validate:"required,min=1,dive"`
}

// LoadTargets reads a YAML or TOML targets file, chosen by extension, and
// builds a validated plan.
func LoadTargets(path string) (*models.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read targets file")
	}
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	plan, err := ParseTargets(data, format)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	return plan, nil
}

// ParseTargets decodes a targets document in format "yaml", "yml" or "toml".
// Unknown keys are rejected.
func ParseTargets(data []byte, format string) (*models.Plan, error) {
	var file TargetsFile
	switch format {
	case "yaml", "yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&file); err != nil {
			return nil, errors.Mark(errors.Wrap(err, "decode yaml"), ErrInvalidTargets)
		}
	case "toml":
		meta, err := toml.Decode(string(data), &file)
		if err != nil {
			return nil, errors.Mark(errors.Wrap(err, "decode toml"), ErrInvalidTargets)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, errors.Mark(errors.Newf("unknown key %s", undecoded[0]), ErrInvalidTargets)
		}
	default:
		return nil, errors.Mark(errors.Newf("unsupported targets format %q", format), ErrInvalidTargets)
	}
	return file.Plan()
}

// Plan validates the file and converts it to a plan. Beyond the struct tags
// it checks that labels_to_add is a subset of final_labels, that every other
// final label is required through match.has_labels, that every label is
// declared in the entity type's vocabulary and that the baseline cannot
// overlap any target.
func (f *TargetsFile) Plan() (*models.Plan, error) {
	if err := validate.Struct(f); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "validate"), ErrInvalidTargets)
	}

	vocab := make(models.Vocabulary, len(f.Vocabulary))
	for entityType, labels := range f.Vocabulary {
		vocab[entityType] = models.ParseLabelSet(labels)
	}

	baseline := models.Baseline{
		Description:   f.Baseline.Description,
		Match:         f.Baseline.Match.predicate(),
		ExpectedCount: f.Baseline.ExpectedCount,
	}
	if baseline.Match.EntityType == "" && baseline.Match.Provenance == "" {
		return nil, invalid("baseline match needs an entity_type or provenance")
	}

	plan := &models.Plan{
		Operation: f.Operation,
		Phase:     f.Phase,
		Wave:      f.Wave,
		Baseline:  baseline,
		Targets:   make(map[string]*models.MutationTarget, len(f.Targets)),
	}
	for key, spec := range f.Targets {
		target, err := spec.target(key)
		if err != nil {
			return nil, errors.Mark(err, ErrInvalidTargets)
		}
		if err := vocab.Check(target.EntityType, target.FinalLabels); err != nil {
			return nil, invalid("target %s: %v", key, err)
		}
		if !baseline.Match.Disjoint(target.Match) {
			return nil, invalid("target %s may overlap the baseline population %q", key, baseline.Description)
		}
		plan.Targets[key] = target
	}
	return plan, nil
}

func (s TargetSpec) target(key string) (*models.MutationTarget, error) {
	status := models.StatusNeedsEnhancement
	if s.Status != "" {
		parsed, err := models.ParseStatus(s.Status)
		if err != nil {
			return nil, errors.Wrapf(err, "target %s", key)
		}
		status = parsed
	}
	return models.NewTarget(key, s.EntityType, s.Match.predicate(),
		models.ParseLabelSet(s.LabelsToAdd), models.ParseLabelSet(s.FinalLabels),
		s.ExpectedCount, status)
}

func (p PredicateSpec) predicate() models.Predicate {
	pred := models.Predicate{
		EntityType: p.EntityType,
		Provenance: p.Provenance,
		Properties: p.Properties,
	}
	if len(p.HasLabels) > 0 {
		pred.HasAll = models.ParseLabelSet(p.HasLabels)
	}
	return pred
}

func invalid(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidTargets)
}
