// Package catalog loads the static floor/room/task definitions that the
// state store is reconciled against.
package catalog

import (
	"sort"

	"github.com/ericbjones/clean-invaders/domain"
)

// TaskDef is one task entry of a room file. Keys other than name and color
// are kept in Meta untouched.
type TaskDef struct {
	Name  string         `yaml:"name" json:"name"`
	Color string         `yaml:"color,omitempty" json:"color,omitempty"`
	Meta  map[string]any `yaml:",inline" json:"meta,omitempty"`
}

// ColorLabel holds the display attributes of a shared color label.
type ColorLabel struct {
	Name  string         `yaml:"name,omitempty" json:"name,omitempty"`
	Hex   string         `yaml:"hex,omitempty" json:"hex,omitempty"`
	Attrs map[string]any `yaml:",inline" json:"attrs,omitempty"`
}

// Room is a room of a floor. Key is the storage key (the file base name),
// Name the derived display name.
type Room struct {
	Floor string    `json:"floor"`
	Key   string    `json:"key"`
	Name  string    `json:"name"`
	Tasks []TaskDef `json:"tasks"`
}

// Catalog is an immutable view of the loaded definitions.
type Catalog struct {
	floors []string
	rooms  map[string][]Room
	colors map[string]ColorLabel
}

// Floors returns the floor identifiers in load order.
func (c *Catalog) Floors() []string {
	return append([]string(nil), c.floors...)
}

// Rooms returns the rooms of a floor ordered by storage key.
func (c *Catalog) Rooms(floor string) []Room {
	return append([]Room(nil), c.rooms[floor]...)
}

// Room looks up a room by floor and storage key.
func (c *Catalog) Room(floor, key string) (Room, bool) {
	rooms := c.rooms[floor]
	i := sort.Search(len(rooms), func(i int) bool { return rooms[i].Key >= key })
	if i < len(rooms) && rooms[i].Key == key {
		return rooms[i], true
	}
	return Room{}, false
}

// Keys returns every (floor, room, task) triple of the catalog.
func (c *Catalog) Keys() []domain.Key {
	var keys []domain.Key
	for _, floor := range c.floors {
		for _, room := range c.rooms[floor] {
			for _, task := range room.Tasks {
				keys = append(keys, domain.Key{Floor: floor, Room: room.Key, Task: task.Name})
			}
		}
	}
	return keys
}

// RoomKeys returns every (floor, room) pair of the catalog.
func (c *Catalog) RoomKeys() []domain.RoomKey {
	var keys []domain.RoomKey
	for _, floor := range c.floors {
		for _, room := range c.rooms[floor] {
			keys = append(keys, domain.RoomKey{Floor: floor, Room: room.Key})
		}
	}
	return keys
}

// Colors returns the shared color labels. The map is a copy.
func (c *Catalog) Colors() map[string]ColorLabel {
	out := make(map[string]ColorLabel, len(c.colors))
	for k, v := range c.colors {
		out[k] = v
	}
	return out
}

// New builds a catalog from rooms already in memory. Floors keep the order
// in which they first appear.
func New(rooms []Room, colors map[string]ColorLabel) *Catalog {
	c := &Catalog{rooms: map[string][]Room{}, colors: map[string]ColorLabel{}}
	for _, r := range rooms {
		if _, ok := c.rooms[r.Floor]; !ok {
			c.floors = append(c.floors, r.Floor)
		}
		if r.Name == "" {
			r.Name = DisplayName(r.Key)
		}
		c.rooms[r.Floor] = append(c.rooms[r.Floor], r)
	}
	for _, floor := range c.floors {
		rs := c.rooms[floor]
		sort.Slice(rs, func(i, j int) bool { return rs[i].Key < rs[j].Key })
	}
	for k, v := range colors {
		c.colors[k] = v
	}
	return c
}
