package views

import (
	"context"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/pawtograder/staging/core/staging"
)

// Cache keeps recently read assignment rosters until a publish invalidates them.
type Cache struct {
	reader  staging.RosterReader
	rosters *lru.Cache[string, []staging.Group]
}

var _ staging.Invalidator = (*Cache)(nil)

func NewCache(reader staging.RosterReader, size int) (*Cache, error) {
	rosters, err := lru.New[string, []staging.Group](size)
	if err != nil {
		return nil, errors.Wrap(err, "creating roster cache")
	}
	return &Cache{reader: reader, rosters: rosters}, nil
}

// Roster returns the published groups of an assignment, reading through on a miss.
func (c *Cache) Roster(ctx context.Context, classID, assignmentID int64) ([]staging.Group, error) {
	key := staging.GroupsViewKey(classID, assignmentID)
	if groups, ok := c.rosters.Get(key); ok {
		return groups, nil
	}
	groups, err := c.reader.ListGroups(ctx, classID, assignmentID)
	if err != nil {
		return nil, errors.Wrap(err, "listing groups")
	}
	c.rosters.Add(key, groups)
	return groups, nil
}

// Invalidate drops the given views. A key ending in ":*" drops every view with that prefix.
func (c *Cache) Invalidate(keys ...string) {
	for _, key := range keys {
		if prefix, ok := strings.CutSuffix(key, "*"); ok {
			for _, k := range c.rosters.Keys() {
				if strings.HasPrefix(k, prefix) {
					c.rosters.Remove(k)
				}
			}
			continue
		}
		c.rosters.Remove(key)
	}
}

func (c *Cache) Len() int { return c.rosters.Len() }
