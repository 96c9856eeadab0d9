// Package contract implements the declarative contract validator (C2).
//
// It parses a model version's on-disk contract file, validates every
// stage described in spec.md §4.1 without short-circuiting on the first
// failure, and produces either a pkg/model.Descriptor or the full list of
// validation errors collected along the way — the same
// "validate everything, collect a string-errors slice" shape the teacher's
// ingredient resolver uses (internal/resolver/resolver.go).
package contract

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/agentoven/agentoven/control-plane/internal/errorkit"
	"github.com/agentoven/agentoven/control-plane/pkg/model"
	"gopkg.in/yaml.v3"
)

// ContractFileName is the declarative contract file every version
// directory must contain.
const ContractFileName = "contract.yaml"

// SupportedSchemaVersions is the closed set of contract schema versions
// this validator accepts (spec.md §6).
var SupportedSchemaVersions = map[string]bool{
	"1.0.0": true,
}

var (
	modelIDRegex  = regexp.MustCompile(`^[a-z][a-z0-9_]{2,63}$`)
	semverRegex   = regexp.MustCompile(`^(\d+)\.(\d+)\.(\d+)(?:-([0-9A-Za-z.-]+))?$`)
	forbiddenExts = map[string]bool{
		".sh": true, ".bash": true, ".exe": true, ".dll": true, ".dylib": true,
	}
)

// rawContract mirrors the YAML shape of contract.yaml before typed
// sub-record parsing (stage 5 of spec.md §4.1).
type rawContract struct {
	ModelID               string         `yaml:"model_id"`
	Version               string         `yaml:"version"`
	DisplayName           string         `yaml:"display_name"`
	ContractSchemaVersion string         `yaml:"contract_schema_version"`
	Input                 *rawInput      `yaml:"input"`
	Output                *rawOutput     `yaml:"output"`
	Hardware              *rawHardware   `yaml:"hardware"`
	Performance           *rawPerf       `yaml:"performance"`
	Limits                *rawLimits     `yaml:"limits"`
	Capabilities          map[string]bool `yaml:"capabilities"`
	Entrypoints           *rawEntry      `yaml:"entrypoints"`
}

type rawInput struct {
	Kind        string         `yaml:"kind"`
	MinWidth    int            `yaml:"min_width"`
	MaxWidth    int            `yaml:"max_width"`
	MinHeight   int            `yaml:"min_height"`
	MaxHeight   int            `yaml:"max_height"`
	MinChannels int            `yaml:"min_channels"`
	MaxChannels int            `yaml:"max_channels"`
	Batch       *rawBatch      `yaml:"batch"`
	Temporal    *rawTemporal   `yaml:"temporal"`
}

type rawBatch struct {
	Min, Max, Recommended int
}

type rawTemporal struct {
	MinFrames         int     `yaml:"min_frames"`
	MaxFrames         int     `yaml:"max_frames"`
	RecommendedFrames int     `yaml:"recommended_frames"`
	MinFPS            float64 `yaml:"min_fps"`
	MaxFPS            float64 `yaml:"max_fps"`
}

type rawOutput struct {
	AllowedEvents   []string `yaml:"allowed_events"`
	HasBoundingBox  bool     `yaml:"has_bounding_box"`
	HasMetadata     bool     `yaml:"has_metadata"`
	AllowedMetaKeys []string `yaml:"allowed_metadata_keys"`
}

type rawHardware struct {
	CPU            bool `yaml:"cpu"`
	GPU            bool `yaml:"gpu"`
	Jetson         bool `yaml:"jetson"`
	MinGPUMemoryMB int  `yaml:"min_gpu_memory_mb"`
}

type rawPerf struct {
	InferenceTimeHintMS int     `yaml:"inference_time_hint_ms"`
	RecommendedFPS      float64 `yaml:"recommended_fps"`
	MaxFPS              float64 `yaml:"max_fps"`
	WarmupIterations    int     `yaml:"warmup_iterations"`
}

type rawLimits struct {
	MaxMemoryMB             int `yaml:"max_memory_mb"`
	PreprocessTimeoutMS     int `yaml:"preprocess_timeout_ms"`
	InferenceTimeoutMS      int `yaml:"inference_timeout_ms"`
	PostprocessTimeoutMS    int `yaml:"postprocess_timeout_ms"`
	MaxConcurrentInferences int `yaml:"max_concurrent_inferences"`
}

type rawEntry struct {
	Infer       string `yaml:"infer"`
	Preprocess  string `yaml:"preprocess"`
	Postprocess string `yaml:"postprocess"`
}

// Defaults applied only for non-critical omissions (spec.md §4.1).
const (
	defaultPreprocessTimeoutMS  = 1000
	defaultPostprocessTimeoutMS = 1000
	defaultInferenceTimeoutMS   = 5000
	defaultMaxConcurrent        = 1
)

// Validate runs every stage of spec.md §4.1 against the version directory
// at path, expecting the contract to declare expectedModelID/expectedVersion
// (the directory names). All errors are collected; validation never
// short-circuits.
func Validate(path, expectedModelID, expectedVersion string) (*model.Descriptor, []*errorkit.RuntimeError) {
	var errs []*errorkit.RuntimeError
	ctx := errorkit.Context{ModelID: expectedModelID, Version: expectedVersion, Path: path}

	// Stage 1: parse.
	contractPath := filepath.Join(path, ContractFileName)
	data, err := os.ReadFile(contractPath)
	if err != nil {
		errs = append(errs, errorkit.Validation(errorkit.KindValContractAbsent,
			fmt.Sprintf("contract file missing: %v", err), ctx))
		return nil, errs
	}

	var raw rawContract
	if err := yaml.Unmarshal(data, &raw); err != nil {
		errs = append(errs, errorkit.Validation(errorkit.KindValParseError,
			fmt.Sprintf("failed to parse contract: %v", err), ctx))
		return nil, errs
	}

	// Stage 2: required top-level fields.
	required := map[string]string{
		"model_id":                raw.ModelID,
		"version":                 raw.Version,
		"display_name":            raw.DisplayName,
		"contract_schema_version": raw.ContractSchemaVersion,
	}
	for field, val := range required {
		if val == "" {
			c := ctx
			c.Field = field
			errs = append(errs, errorkit.Validation(errorkit.KindValMissingField,
				fmt.Sprintf("required field %q is missing", field), c))
		}
	}
	if raw.Input == nil {
		errs = append(errs, errorkit.Validation(errorkit.KindValMissingField, "required field \"input\" is missing", ctx))
	}
	if raw.Output == nil {
		errs = append(errs, errorkit.Validation(errorkit.KindValMissingField, "required field \"output\" is missing", ctx))
	}
	if raw.Hardware == nil {
		errs = append(errs, errorkit.Validation(errorkit.KindValMissingField, "required field \"hardware\" is missing", ctx))
	}
	if raw.Performance == nil {
		errs = append(errs, errorkit.Validation(errorkit.KindValMissingField, "required field \"performance\" is missing", ctx))
	}

	// Stage 3: declared identity matches directory names and identifier
	// regexes (invariant I6 — never silently adopted).
	if raw.ModelID != "" {
		if raw.ModelID != expectedModelID {
			c := ctx
			c.Expected, c.Actual = expectedModelID, raw.ModelID
			errs = append(errs, errorkit.Validation(errorkit.KindValDirectoryMismatch,
				"declared model_id does not match directory name", c))
		}
		if !modelIDRegex.MatchString(raw.ModelID) {
			errs = append(errs, errorkit.Validation(errorkit.KindValWrongType, "model_id does not match [a-z][a-z0-9_]{2,63}", ctx))
		}
	}
	if raw.Version != "" {
		if raw.Version != expectedVersion {
			c := ctx
			c.Expected, c.Actual = expectedVersion, raw.Version
			errs = append(errs, errorkit.Validation(errorkit.KindValDirectoryMismatch,
				"declared version does not match directory name", c))
		}
		if !semverRegex.MatchString(raw.Version) {
			errs = append(errs, errorkit.Validation(errorkit.KindValWrongType, "version is not valid SemVer", ctx))
		}
	}

	// Stage 4: supported schema version.
	if raw.ContractSchemaVersion != "" && !SupportedSchemaVersions[raw.ContractSchemaVersion] {
		errs = append(errs, errorkit.Validation(errorkit.KindValUnsupportedSchema,
			fmt.Sprintf("unsupported contract_schema_version %q", raw.ContractSchemaVersion), ctx))
	}

	// Stage 5/6: typed sub-records + conditional requirements.
	var desc model.Descriptor
	if raw.Input != nil {
		kind := model.InputKind(raw.Input.Kind)
		switch kind {
		case model.InputFrame, model.InputBatch, model.InputTemporal:
		default:
			errs = append(errs, errorkit.Validation(errorkit.KindValInvalidInputKind,
				fmt.Sprintf("invalid input kind %q", raw.Input.Kind), ctx))
		}
		desc.Input.Kind = kind
		desc.Input.Shape = model.ShapeRange{
			MinWidth: raw.Input.MinWidth, MaxWidth: raw.Input.MaxWidth,
			MinHeight: raw.Input.MinHeight, MaxHeight: raw.Input.MaxHeight,
			MinChannels: raw.Input.MinChannels, MaxChannels: raw.Input.MaxChannels,
		}
		if kind == model.InputBatch {
			if raw.Input.Batch == nil {
				errs = append(errs, errorkit.Validation(errorkit.KindValConditionalViolated,
					"batch input kind requires a batch sub-record", ctx))
			} else {
				desc.Input.Batch = &model.BatchSpec{Min: raw.Input.Batch.Min, Max: raw.Input.Batch.Max, Recommended: raw.Input.Batch.Recommended}
			}
		}
		if kind == model.InputTemporal {
			if raw.Input.Temporal == nil {
				errs = append(errs, errorkit.Validation(errorkit.KindValConditionalViolated,
					"temporal input kind requires a temporal sub-record", ctx))
			} else {
				desc.Input.Temporal = &model.TemporalSpec{
					MinFrames: raw.Input.Temporal.MinFrames, MaxFrames: raw.Input.Temporal.MaxFrames,
					RecommendedFrames: raw.Input.Temporal.RecommendedFrames,
					MinFPS: raw.Input.Temporal.MinFPS, MaxFPS: raw.Input.Temporal.MaxFPS,
				}
			}
		}
	}
	if raw.Output != nil {
		desc.Output = model.OutputSpec{
			AllowedEvents: raw.Output.AllowedEvents, HasBoundingBox: raw.Output.HasBoundingBox,
			HasMetadata: raw.Output.HasMetadata, AllowedMetaKeys: raw.Output.AllowedMetaKeys,
		}
	}
	if raw.Hardware != nil {
		desc.Hardware = model.HardwareSpec{
			CPU: raw.Hardware.CPU, GPU: raw.Hardware.GPU, Jetson: raw.Hardware.Jetson,
			MinGPUMemoryMB: raw.Hardware.MinGPUMemoryMB,
		}
	}
	if raw.Performance != nil {
		desc.Performance = model.PerformanceHints{
			InferenceTimeHintMS: raw.Performance.InferenceTimeHintMS,
			RecommendedFPS:      raw.Performance.RecommendedFPS,
			MaxFPS:              raw.Performance.MaxFPS,
			WarmupIterations:    raw.Performance.WarmupIterations,
		}
	}

	// Defaults for non-critical omissions only.
	limits := model.ResourceLimits{MaxConcurrentInferences: defaultMaxConcurrent}
	if raw.Limits != nil {
		limits.MaxMemoryMB = raw.Limits.MaxMemoryMB
		limits.PreprocessTimeoutMS = raw.Limits.PreprocessTimeoutMS
		limits.InferenceTimeoutMS = raw.Limits.InferenceTimeoutMS
		limits.PostprocessTimeoutMS = raw.Limits.PostprocessTimeoutMS
		if raw.Limits.MaxConcurrentInferences > 0 {
			limits.MaxConcurrentInferences = raw.Limits.MaxConcurrentInferences
		}
	}
	if limits.PreprocessTimeoutMS == 0 {
		limits.PreprocessTimeoutMS = defaultPreprocessTimeoutMS
	}
	if limits.PostprocessTimeoutMS == 0 {
		limits.PostprocessTimeoutMS = defaultPostprocessTimeoutMS
	}
	if limits.InferenceTimeoutMS == 0 {
		limits.InferenceTimeoutMS = defaultInferenceTimeoutMS
	}
	desc.Limits = limits
	desc.Capabilities = raw.Capabilities

	desc.ModelID = raw.ModelID
	desc.Version = raw.Version
	desc.DisplayName = raw.DisplayName
	desc.SchemaVersion = raw.ContractSchemaVersion
	desc.Path = path
	desc.Prerelease = strings.Contains(raw.Version, "-")

	// Stage 7: required files exist.
	desc.WeightsDir = filepath.Join(path, "weights")
	if fi, err := os.Stat(desc.WeightsDir); err != nil || !fi.IsDir() {
		errs = append(errs, errorkit.Validation(errorkit.KindValRequiredFileMissing, "weights/ directory is required", ctx))
	}
	if raw.Entrypoints == nil || raw.Entrypoints.Infer == "" {
		errs = append(errs, errorkit.Validation(errorkit.KindValMissingField, "entrypoints.infer is required", ctx))
	} else {
		desc.InferEntry = raw.Entrypoints.Infer
		if !fileExists(path, raw.Entrypoints.Infer) {
			errs = append(errs, errorkit.Validation(errorkit.KindValRequiredFileMissing,
				fmt.Sprintf("inference entry-point %q not found", raw.Entrypoints.Infer), ctx))
		}
	}
	if raw.Entrypoints != nil && raw.Entrypoints.Preprocess != "" {
		desc.PreprocessEntry = raw.Entrypoints.Preprocess
		desc.HasPreprocess = true
		if !fileExists(path, raw.Entrypoints.Preprocess) {
			errs = append(errs, errorkit.Validation(errorkit.KindValRequiredFileMissing,
				fmt.Sprintf("declared preprocess entry-point %q not found", raw.Entrypoints.Preprocess), ctx))
		}
	}
	if raw.Entrypoints != nil && raw.Entrypoints.Postprocess != "" {
		desc.PostprocessEntry = raw.Entrypoints.Postprocess
		desc.HasPostprocess = true
		if !fileExists(path, raw.Entrypoints.Postprocess) {
			errs = append(errs, errorkit.Validation(errorkit.KindValRequiredFileMissing,
				fmt.Sprintf("declared postprocess entry-point %q not found", raw.Entrypoints.Postprocess), ctx))
		}
	}

	// Stage 8: forbidden content.
	_ = filepath.Walk(path, func(p string, fi os.FileInfo, walkErr error) error {
		if walkErr != nil || fi == nil {
			return nil
		}
		rel, _ := filepath.Rel(path, p)
		if fi.Mode()&os.ModeSymlink != 0 {
			target, err := filepath.EvalSymlinks(p)
			if err == nil {
				if absPath, _ := filepath.Abs(path); !strings.HasPrefix(target, absPath) {
					errs = append(errs, errorkit.Validation(errorkit.KindValForbiddenContent,
						fmt.Sprintf("symlink %q resolves outside the version directory", rel), ctx))
				}
			}
		}
		if !fi.IsDir() && !strings.HasPrefix(rel, "weights"+string(filepath.Separator)) && rel != "weights" {
			if forbiddenExts[strings.ToLower(filepath.Ext(p))] {
				errs = append(errs, errorkit.Validation(errorkit.KindValForbiddenContent,
					fmt.Sprintf("forbidden file extension in %q", rel), ctx))
			}
		}
		return nil
	})

	if len(errs) > 0 {
		return nil, errs
	}
	return &desc, nil
}

func fileExists(base, rel string) bool {
	fi, err := os.Stat(filepath.Join(base, rel))
	return err == nil && !fi.IsDir()
}
