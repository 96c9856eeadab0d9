// Package discovery implements the discovery scanner (C3): it walks the
// models root two levels deep (model_id/version), validates each
// candidate via internal/contract, and registers the outcome with the
// registry. It never treats a malformed directory as fatal — it logs a
// warning and moves on, the same tolerance the teacher's catalog
// refresh loop shows toward a single bad upstream entry.
package discovery

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/agentoven/control-plane/internal/contract"
	"github.com/agentoven/agentoven/control-plane/internal/errorkit"
	"github.com/agentoven/agentoven/control-plane/internal/registry"
	"github.com/agentoven/agentoven/control-plane/pkg/model"
)

var (
	modelIDDirRegex = regexp.MustCompile(`^[a-z][a-z0-9_]{2,63}$`)
	versionDirRegex = regexp.MustCompile(`^\d+\.\d+\.\d+(-[0-9A-Za-z.-]+)?$`)
)

// Scanner walks a models root directory and feeds discovered version
// candidates into the registry.
type Scanner struct {
	root string
	reg  *registry.Registry
}

// New builds a Scanner rooted at root, registering discoveries into reg.
func New(root string, reg *registry.Registry) *Scanner {
	return &Scanner{root: root, reg: reg}
}

// Scan performs one full pass over the models root. It never returns an
// error for a malformed individual entry — only for the root itself
// being unusable.
func (s *Scanner) Scan(ctx context.Context) error {
	rootInfo, err := os.Stat(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return errorkit.Discovery(errorkit.KindDiscRootNotFound, "models root does not exist", errorkit.Context{Path: s.root})
		}
		if os.IsPermission(err) {
			return errorkit.Discovery(errorkit.KindDiscPermissionDenied, "models root not readable", errorkit.Context{Path: s.root})
		}
		return errorkit.Discovery(errorkit.KindDiscRootNotFound, err.Error(), errorkit.Context{Path: s.root})
	}
	if !rootInfo.IsDir() {
		return errorkit.Discovery(errorkit.KindDiscNotADirectory, "models root is not a directory", errorkit.Context{Path: s.root})
	}

	modelDirs, err := os.ReadDir(s.root)
	if err != nil {
		return errorkit.Discovery(errorkit.KindDiscPermissionDenied, err.Error(), errorkit.Context{Path: s.root})
	}

	for _, md := range modelDirs {
		if !md.IsDir() {
			continue
		}
		modelID := md.Name()
		if !modelIDDirRegex.MatchString(modelID) {
			log.Warn().Str("path", filepath.Join(s.root, modelID)).Msg("discovery: skipping malformed model_id directory")
			continue
		}
		s.scanModel(ctx, modelID)
	}
	return nil
}

func (s *Scanner) scanModel(ctx context.Context, modelID string) {
	modelPath := filepath.Join(s.root, modelID)
	versionDirs, err := os.ReadDir(modelPath)
	if err != nil {
		log.Warn().Err(err).Str("model_id", modelID).Msg("discovery: cannot read model directory")
		return
	}

	found := 0
	for _, vd := range versionDirs {
		if !vd.IsDir() {
			continue
		}
		version := vd.Name()
		if !versionDirRegex.MatchString(version) {
			log.Warn().Str("model_id", modelID).Str("version", version).Msg("discovery: skipping malformed version directory")
			continue
		}
		found++
		s.scanVersion(ctx, modelID, version)
	}
	if found == 0 {
		log.Warn().Str("model_id", modelID).Msg("discovery: model directory has no valid version subdirectories")
	}
}

// activatedStates are states the coordinator owns once a version has
// passed validation at least once. A re-scan (triggered by an unrelated
// fsnotify event elsewhere in the models root) must never force one of
// these back to VALIDATING out from under a live or in-flight sandbox.
var activatedStates = map[model.LoadState]bool{
	model.StateLoading:   true,
	model.StateReady:     true,
	model.StateUnloading: true,
	model.StateDisabled:  true,
}

func (s *Scanner) scanVersion(ctx context.Context, modelID, version string) {
	key := model.VersionKey{ModelID: modelID, Version: version}
	versionPath := filepath.Join(s.root, modelID, version)

	s.reg.Discover(key)
	if rec, ok := s.reg.GetVersion(key); ok && activatedStates[rec.State] {
		return
	}
	s.reg.UpdateState(key, model.StateValidating, "", "")

	desc, errs := contract.Validate(versionPath, modelID, version)
	if len(errs) > 0 {
		for _, e := range errs {
			log.Warn().Str("model_id", modelID).Str("version", version).Str("kind", string(e.Kind)).Msg(e.Error())
		}
		s.reg.UpdateState(key, model.StateInvalid, string(errs[0].Kind), errs[0].Error())
		return
	}

	s.reg.SetDescriptor(key, *desc)
	s.reg.UpdateState(key, model.StateValid, "", "")
	log.Info().Str("model_id", modelID).Str("version", version).Msg("discovery: version validated")
}

// Watch starts an fsnotify watch on the models root and re-scans on any
// filesystem event, debounced by a short quiet period. It runs until ctx
// is cancelled.
func (s *Scanner) Watch(ctx context.Context, debounce time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(s.root); err != nil {
		return err
	}

	var timer *time.Timer
	rescan := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			log.Debug().Str("event", event.String()).Msg("discovery: filesystem change detected")
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case rescan <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("discovery: watcher error")
		case <-rescan:
			if err := s.Scan(ctx); err != nil {
				log.Error().Err(err).Msg("discovery: re-scan failed")
			}
		}
	}
}
