package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"digest_bot/internal/model"
)

type sourcesFile struct {
	Sources []sourceEntry `yaml:"sources"`
}

type sourceEntry struct {
	ID     int64  `yaml:"id"`
	Handle string `yaml:"handle"`
	Title  string `yaml:"title"`
}

// ParseSourceList parses a comma separated list of sources.
// Each item is a public handle ("durov" or "@durov"), a numeric peer ID
// ("-1001234567890") or both joined by a colon ("-1001234567890:durov").
func ParseSourceList(raw string) ([]model.Source, error) {
	var out []model.Source
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		src, err := parseSourceItem(item)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, nil
}

func parseSourceItem(item string) (model.Source, error) {
	if strings.HasPrefix(item, "https://t.me/") {
		return model.Source{Handle: cleanHandle(item), Origin: model.OriginConfig}, nil
	}
	idPart, handlePart, hasHandle := strings.Cut(item, ":")
	if hasHandle {
		id, err := strconv.ParseInt(strings.TrimSpace(idPart), 10, 64)
		if err != nil {
			return model.Source{}, fmt.Errorf("invalid source ID %q: %w", idPart, err)
		}
		return model.Source{ID: id, Handle: cleanHandle(handlePart), Origin: model.OriginConfig}, nil
	}
	if id, err := strconv.ParseInt(item, 10, 64); err == nil {
		return model.Source{ID: id, Origin: model.OriginConfig}, nil
	}
	h := cleanHandle(item)
	if h == "" {
		return model.Source{}, fmt.Errorf("empty source handle in %q", item)
	}
	return model.Source{Handle: h, Origin: model.OriginConfig}, nil
}

// LoadSources reads the YAML sources file. A missing file yields no sources.
func LoadSources(path string) ([]model.Source, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sources file: %w", err)
	}

	var file sourcesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse sources file: %w", err)
	}

	out := make([]model.Source, 0, len(file.Sources))
	for i, e := range file.Sources {
		h := cleanHandle(e.Handle)
		if e.ID == 0 && h == "" {
			return nil, fmt.Errorf("sources file entry %d: id or handle is required", i)
		}
		out = append(out, model.Source{ID: e.ID, Handle: h, Title: e.Title, Origin: model.OriginConfig})
	}
	return out, nil
}

// Sources returns the configured sources from SOURCE_CHANNELS and SOURCES_FILE.
// The file is re-read on each call so edits apply without a restart.
// Entries naming the same ID or handle are merged, the first one wins.
func (c *Config) Sources() ([]model.Source, error) {
	fromEnv, err := ParseSourceList(c.SourceChannels)
	if err != nil {
		return nil, fmt.Errorf("parse SOURCE_CHANNELS: %w", err)
	}
	fromFile, err := LoadSources(c.SourcesFile)
	if err != nil {
		return nil, err
	}

	var out []model.Source
	seenIDs := make(map[int64]struct{})
	seenHandles := make(map[string]struct{})
	for _, src := range append(fromEnv, fromFile...) {
		if _, ok := seenIDs[src.ID]; ok && src.ID != 0 {
			continue
		}
		if _, ok := seenHandles[src.Handle]; ok && src.Handle != "" {
			continue
		}
		if src.ID != 0 {
			seenIDs[src.ID] = struct{}{}
		}
		if src.Handle != "" {
			seenHandles[src.Handle] = struct{}{}
		}
		out = append(out, src)
	}
	return out, nil
}

func cleanHandle(h string) string {
	h = strings.TrimSpace(h)
	h = strings.TrimPrefix(h, "https://t.me/")
	h = strings.TrimPrefix(h, "@")
	return strings.ToLower(h)
}
