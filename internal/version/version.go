// Package version implements the version resolver (C7): explicit and
// implicit (highest-eligible) resolution over a registry snapshot, plus
// the hand-rolled SemVer total-order comparator spec.md's resolution
// rule depends on. Grounded on internal/resolver/resolver.go's
// "look up, validate, return resolved struct or error" shape.
package version

import (
	"sort"
	"strconv"
	"strings"

	"github.com/agentoven/agentoven/control-plane/internal/errorkit"
	"github.com/agentoven/agentoven/control-plane/internal/registry"
	"github.com/agentoven/agentoven/control-plane/pkg/model"
)

// EligibilityPolicy decides which health values the resolver treats as
// servable. Default: HEALTHY and DEGRADED.
type EligibilityPolicy struct {
	AllowedHealth     map[model.Health]bool
	IncludePrerelease bool

	// EnableGPU mirrors config.Config's ENABLE_GPU flag. A version
	// declaring hardware.gpu is ineligible unless this is true —
	// the gpu_manager.py hardware-eligibility gate.
	EnableGPU bool
}

// DefaultEligibility is spec.md §4.6's default policy.
func DefaultEligibility(enableGPU bool) EligibilityPolicy {
	return EligibilityPolicy{
		AllowedHealth:     map[model.Health]bool{model.HealthHealthy: true, model.HealthDegraded: true},
		IncludePrerelease: false,
		EnableGPU:         enableGPU,
	}
}

func (p EligibilityPolicy) eligible(v model.VersionRecord) bool {
	if v.State != model.StateReady {
		return false
	}
	if v.Circuit == model.CircuitOpen {
		return false
	}
	if !p.AllowedHealth[v.Health] {
		return false
	}
	if !p.IncludePrerelease && v.Descriptor.Prerelease {
		return false
	}
	if v.Descriptor.Hardware.GPU && !p.EnableGPU {
		return false
	}
	return true
}

// Resolver resolves requests against a registry snapshot.
type Resolver struct {
	reg    *registry.Registry
	policy EligibilityPolicy
}

// New builds a Resolver with the default eligibility policy. enableGPU
// mirrors config.Config.EnableGPU: a version declaring hardware.gpu is
// excluded from resolution when it is false.
func New(reg *registry.Registry, enableGPU bool) *Resolver {
	return &Resolver{reg: reg, policy: DefaultEligibility(enableGPU)}
}

// NewWithPolicy builds a Resolver with a caller-supplied policy.
func NewWithPolicy(reg *registry.Registry, policy EligibilityPolicy) *Resolver {
	return &Resolver{reg: reg, policy: policy}
}

// Resolve picks a servable version for modelID. If explicitVersion is
// non-empty, it resolves that exact version (still subject to the
// state/circuit/health eligibility checks). Otherwise it performs
// implicit highest-eligible-SemVer resolution. Resolution is pure in the
// registry snapshot observed at call time.
func (r *Resolver) Resolve(modelID, explicitVersion string) (model.Descriptor, error) {
	if explicitVersion != "" {
		return r.resolveExplicit(modelID, explicitVersion)
	}
	return r.resolveImplicit(modelID)
}

func (r *Resolver) resolveExplicit(modelID, ver string) (model.Descriptor, error) {
	key := model.VersionKey{ModelID: modelID, Version: ver}
	rec, ok := r.reg.GetVersion(key)
	if !ok {
		return model.Descriptor{}, errorkit.Pipeline(errorkit.KindPipeModelNotFound,
			"model/version not found", errorkit.Context{ModelID: modelID, Version: ver})
	}
	if rec.Circuit == model.CircuitOpen {
		return model.Descriptor{}, errorkit.Pipeline(errorkit.KindPipeModelUnhealthy,
			"circuit open for this version", errorkit.Context{ModelID: modelID, Version: ver})
	}
	if rec.State != model.StateReady {
		return model.Descriptor{}, errorkit.Pipeline(errorkit.KindPipeVersionNotReady,
			"version is not READY", errorkit.Context{ModelID: modelID, Version: ver})
	}
	if !r.policy.AllowedHealth[rec.Health] {
		return model.Descriptor{}, errorkit.Pipeline(errorkit.KindPipeVersionUnhealthy,
			"version health is not eligible", errorkit.Context{ModelID: modelID, Version: ver})
	}
	if rec.Descriptor.Hardware.GPU && !r.policy.EnableGPU {
		return model.Descriptor{}, errorkit.Validation(errorkit.KindValHardwareIncompatible,
			"version requires GPU hardware but ENABLE_GPU is false", errorkit.Context{ModelID: modelID, Version: ver})
	}
	return rec.Descriptor, nil
}

func (r *Resolver) resolveImplicit(modelID string) (model.Descriptor, error) {
	records := r.reg.GetVersionsByModel(modelID)
	var eligible []model.VersionRecord
	for _, rec := range records {
		if r.policy.eligible(rec) {
			eligible = append(eligible, rec)
		}
	}
	if len(eligible) == 0 {
		return model.Descriptor{}, errorkit.Pipeline(errorkit.KindPipeNoEligibleVersion,
			"no eligible version for model", errorkit.Context{ModelID: modelID})
	}
	sort.Slice(eligible, func(i, j int) bool {
		return Compare(eligible[i].Descriptor.Version, eligible[j].Descriptor.Version) > 0
	})
	return eligible[0].Descriptor, nil
}

// semver is a parsed X.Y.Z[-prerelease] version.
type semver struct {
	major, minor, patch int
	prerelease          []string
	isPrerelease        bool
}

func parseSemver(s string) semver {
	var sv semver
	core := s
	if idx := strings.IndexByte(s, '-'); idx >= 0 {
		core = s[:idx]
		sv.isPrerelease = true
		sv.prerelease = strings.Split(s[idx+1:], ".")
	}
	parts := strings.SplitN(core, ".", 3)
	if len(parts) > 0 {
		sv.major, _ = strconv.Atoi(parts[0])
	}
	if len(parts) > 1 {
		sv.minor, _ = strconv.Atoi(parts[1])
	}
	if len(parts) > 2 {
		sv.patch, _ = strconv.Atoi(parts[2])
	}
	return sv
}

// isNumericIdentifier reports whether a prerelease identifier is made
// entirely of digits.
func isNumericIdentifier(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Compare implements spec.md §4.6's total order: numeric major.minor.patch
// first; a release is always greater than any of its prereleases;
// between two prereleases, identifiers compare left-to-right, numeric
// identifiers are compared numerically and sort below non-numeric ones,
// non-numeric identifiers compare lexically; a prerelease with fewer
// identifiers than another that is otherwise equal sorts lower. Returns
// >0 if a > b, <0 if a < b, 0 if equal.
func Compare(a, b string) int {
	sa, sb := parseSemver(a), parseSemver(b)
	if sa.major != sb.major {
		return sa.major - sb.major
	}
	if sa.minor != sb.minor {
		return sa.minor - sb.minor
	}
	if sa.patch != sb.patch {
		return sa.patch - sb.patch
	}
	if sa.isPrerelease != sb.isPrerelease {
		if sa.isPrerelease {
			return -1
		}
		return 1
	}
	if !sa.isPrerelease {
		return 0
	}
	return comparePrerelease(sa.prerelease, sb.prerelease)
}

func comparePrerelease(a, b []string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		ai, aIsNum := isNumericIdentifier(a[i])
		bi, bIsNum := isNumericIdentifier(b[i])
		switch {
		case aIsNum && bIsNum:
			if ai != bi {
				return ai - bi
			}
		case aIsNum && !bIsNum:
			return -1
		case !aIsNum && bIsNum:
			return 1
		default:
			if c := strings.Compare(a[i], b[i]); c != 0 {
				return c
			}
		}
	}
	return len(a) - len(b)
}
