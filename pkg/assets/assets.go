// Package assets serves the companion's background images and avatar
// configuration files to stream clients.
package assets

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var backgroundExtensions = map[string]struct{}{
	".png":  {},
	".jpg":  {},
	".jpeg": {},
	".webp": {},
	".gif":  {},
}

// Provider lists backgrounds and avatar configs from two directories and
// tracks the active avatar config.
type Provider struct {
	backgroundsDir string
	avatarDir      string

	mu     sync.Mutex
	active string
}

func NewProvider(backgroundsDir, avatarDir string) *Provider {
	return &Provider{backgroundsDir: backgroundsDir, avatarDir: avatarDir}
}

func (p *Provider) ListBackgrounds() ([]string, error) {
	if strings.TrimSpace(p.backgroundsDir) == "" {
		return []string{}, nil
	}
	entries, err := os.ReadDir(p.backgroundsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read backgrounds dir: %w", err)
	}
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if _, ok := backgroundExtensions[ext]; !ok {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	return files, nil
}

func (p *Provider) ListAvatarConfigs() ([]string, error) {
	if strings.TrimSpace(p.avatarDir) == "" {
		return []string{}, nil
	}
	entries, err := os.ReadDir(p.avatarDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read avatar config dir: %w", err)
	}
	configs := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		configs = append(configs, entry.Name())
	}
	sort.Strings(configs)
	return configs, nil
}

// SwitchAvatarConfig validates and activates an avatar config file. The
// file name must be a bare name inside the avatar dir; its parsed content
// is returned so the client can apply model and display settings.
func (p *Provider) SwitchAvatarConfig(file string) (string, map[string]any, error) {
	file = strings.TrimSpace(file)
	if file == "" {
		return "", nil, fmt.Errorf("file is required")
	}
	if file != filepath.Base(file) || strings.HasPrefix(file, ".") {
		return "", nil, fmt.Errorf("invalid config file name: %s", file)
	}

	path := filepath.Join(p.avatarDir, file)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("read avatar config %s: %w", file, err)
	}

	conf := make(map[string]any)
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return "", nil, fmt.Errorf("parse avatar config %s: %w", file, err)
	}

	modelPath, _ := conf["model_path"].(string)

	p.mu.Lock()
	p.active = file
	p.mu.Unlock()

	return modelPath, conf, nil
}

// ActiveAvatarConfig reports the currently active config file, if any.
func (p *Provider) ActiveAvatarConfig() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}
