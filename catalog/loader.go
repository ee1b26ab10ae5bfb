package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/ericbjones/clean-invaders/domain"
)

// DefaultFloors are the floors read when none are configured.
var DefaultFloors = []string{"upstairs", "downstairs"}

// colorFiles are the accepted names of the shared label file at the root.
var colorFiles = []string{"colors.yaml", "colors.yml"}

// Loader reads a catalog from a config directory laid out as
// <root>/<floor>/<room>.yaml plus an optional <root>/colors.yaml.
type Loader struct {
	Root   string
	Floors []string
}

// NewLoader returns a Loader for root. An empty floor list selects
// DefaultFloors.
func NewLoader(root string, floors []string) *Loader {
	if len(floors) == 0 {
		floors = DefaultFloors
	}
	return &Loader{Root: root, Floors: append([]string(nil), floors...)}
}

type roomFile struct {
	Tasks *[]TaskDef `yaml:"tasks"`
}

// Load reads every floor directory and returns a fresh catalog. It never
// caches and never touches persisted state. All failures are
// *domain.ConfigError.
func (l *Loader) Load() (*Catalog, error) {
	colors, err := l.loadColors()
	if err != nil {
		return nil, err
	}

	c := &Catalog{
		floors: append([]string(nil), l.Floors...),
		rooms:  make(map[string][]Room, len(l.Floors)),
		colors: colors,
	}
	for _, floor := range l.Floors {
		rooms, err := l.loadFloor(floor, colors)
		if err != nil {
			return nil, err
		}
		c.rooms[floor] = rooms
	}
	return c, nil
}

func (l *Loader) loadColors() (map[string]ColorLabel, error) {
	colors := map[string]ColorLabel{}
	for _, name := range colorFiles {
		path := filepath.Join(l.Root, name)
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, &domain.ConfigError{Path: path, Err: fmt.Errorf("failed to read color labels: %w", err)}
		}
		if err := yaml.Unmarshal(data, &colors); err != nil {
			return nil, &domain.ConfigError{Path: path, Err: fmt.Errorf("failed to parse YAML: %w", err)}
		}
		break
	}
	return colors, nil
}

func (l *Loader) loadFloor(floor string, colors map[string]ColorLabel) ([]Room, error) {
	dir := filepath.Join(l.Root, floor)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &domain.ConfigError{Path: dir, Err: fmt.Errorf("missing floor directory for %q", floor)}
		}
		return nil, &domain.ConfigError{Path: dir, Err: fmt.Errorf("failed to read floor directory: %w", err)}
	}

	rooms := make([]Room, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		room, err := loadRoom(filepath.Join(dir, entry.Name()), floor, strings.TrimSuffix(entry.Name(), ext), colors)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Key < rooms[j].Key })
	for i := 1; i < len(rooms); i++ {
		if rooms[i].Key == rooms[i-1].Key {
			return nil, &domain.ConfigError{Path: dir, Err: fmt.Errorf("room %q defined more than once", rooms[i].Key)}
		}
	}
	return rooms, nil
}

func loadRoom(path, floor, key string, colors map[string]ColorLabel) (Room, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Room{}, &domain.ConfigError{Path: path, Err: fmt.Errorf("failed to read room: %w", err)}
	}
	var rf roomFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return Room{}, &domain.ConfigError{Path: path, Err: fmt.Errorf("failed to parse YAML: %w", err)}
	}
	if rf.Tasks == nil {
		return Room{}, &domain.ConfigError{Path: path, Err: errors.New("tasks is required")}
	}

	seen := make(map[string]struct{}, len(*rf.Tasks))
	for i, task := range *rf.Tasks {
		if task.Name == "" {
			return Room{}, &domain.ConfigError{Path: path, Err: fmt.Errorf("task %d: name is required", i)}
		}
		if _, dup := seen[task.Name]; dup {
			return Room{}, &domain.ConfigError{Path: path, Err: fmt.Errorf("duplicate task %q", task.Name)}
		}
		seen[task.Name] = struct{}{}
		if task.Color != "" && len(colors) > 0 {
			if _, ok := colors[task.Color]; !ok {
				return Room{}, &domain.ConfigError{Path: path, Err: fmt.Errorf("task %q: unknown color label %q", task.Name, task.Color)}
			}
		}
	}

	return Room{
		Floor: floor,
		Key:   key,
		Name:  DisplayName(key),
		Tasks: *rf.Tasks,
	}, nil
}

// DisplayName derives a room's display name from its storage key:
// underscores become spaces and every word is title-cased.
func DisplayName(key string) string {
	return cases.Title(language.Und).String(strings.ReplaceAll(key, "_", " "))
}
