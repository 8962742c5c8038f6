// Package ruleloader seeds and hot-reloads rule definitions from JSON files
// on disk. Editorial teams ship rule files alongside deploys; the loader
// upserts them at startup and re-applies a file whenever it changes.
package ruleloader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/acumenpress/commerce/internal/models"
	"github.com/acumenpress/commerce/internal/rules"
	"github.com/acumenpress/commerce/internal/store"
)

// Loader applies rule definition files to the store.
type Loader struct {
	store store.Store
	repo  *rules.Repository
	dir   string
	log   zerolog.Logger
}

func New(st store.Store, repo *rules.Repository, dir string, log zerolog.Logger) *Loader {
	return &Loader{
		store: st,
		repo:  repo,
		dir:   dir,
		log:   log.With().Str("component", "ruleloader").Logger(),
	}
}

// LoadAll applies every .json file in the directory. Files that fail to parse
// are logged and skipped; a missing directory is not an error.
func (l *Loader) LoadAll(ctx context.Context) error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			l.log.Info().Str("dir", l.dir).Msg("rules directory absent, skipping file load")
			return nil
		}
		return fmt.Errorf("read rules dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		if err := l.loadFile(ctx, path); err != nil {
			l.log.Error().Err(err).Str("file", path).Msg("rule file skipped")
		}
	}
	return nil
}

// Watch re-applies changed files until ctx is cancelled. Editors write files
// non-atomically, so events are debounced per path before reloading.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("watch %s: %w", l.dir, err)
	}
	l.log.Info().Str("dir", l.dir).Msg("watching rule files")

	pending := map[string]time.Time{}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending[event.Name] = time.Now()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.log.Warn().Err(err).Msg("watch error")
		case now := <-ticker.C:
			for path, seen := range pending {
				if now.Sub(seen) < 500*time.Millisecond {
					continue
				}
				delete(pending, path)
				if err := l.loadFile(ctx, path); err != nil {
					l.log.Error().Err(err).Str("file", path).Msg("rule reload failed")
				}
			}
		}
	}
}

// ruleFile is the authoring format: either a single rule object or a
// {"rules": [...]} document.
type ruleFile struct {
	Rules []models.Rule `json:"rules"`
}

func (l *Loader) loadFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	var doc ruleFile
	if err := json.Unmarshal(data, &doc); err != nil || len(doc.Rules) == 0 {
		var single models.Rule
		if err := json.Unmarshal(data, &single); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		doc.Rules = []models.Rule{single}
	}

	touched := map[models.EntryPoint]bool{}
	for i := range doc.Rules {
		rule := &doc.Rules[i]
		if err := rule.Validate(); err != nil {
			l.log.Warn().Err(err).Str("file", path).Str("rule_code", rule.RuleCode).Msg("invalid rule definition")
			continue
		}
		if err := l.upsert(ctx, rule); err != nil {
			l.log.Error().Err(err).Str("rule_code", rule.RuleCode).Msg("rule upsert failed")
			continue
		}
		touched[rule.EntryPoint] = true
	}
	for ep := range touched {
		l.repo.Invalidate(ctx, ep)
	}
	l.log.Info().Str("file", path).Int("rules", len(doc.Rules)).Msg("rule file applied")
	return nil
}

func (l *Loader) upsert(ctx context.Context, rule *models.Rule) error {
	err := l.store.CreateRule(ctx, rule)
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrDuplicate) {
		return l.store.UpdateRule(ctx, rule)
	}
	return err
}
