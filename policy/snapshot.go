/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package policy

import (
	"sync"
	"time"

	"github.com/asergeyev/nradix"
)

// snapshot is an immutable view of one tenant's policy.  Readers share it
// without locks; writers replace it wholesale.
type snapshot struct {
	exactIPs    map[string]*WhitelistEntry
	exactUsers  map[string]*WhitelistEntry
	cidrs       *nradix.Tree
	bizHours    *BusinessHours
	maintenance []MaintenanceWindow
}

type snapshotCache struct {
	mtx   sync.Mutex
	build func(tenant string) *snapshot
	ents  map[string]*snapshotEnt
	now   func() time.Time
}

type snapshotEnt struct {
	snap *snapshot
	exp  time.Time
}

func newSnapshotCache(build func(tenant string) *snapshot) *snapshotCache {
	return &snapshotCache{
		build: build,
		ents:  map[string]*snapshotEnt{},
		now:   time.Now,
	}
}

func (c *snapshotCache) get(tenant string) *snapshot {
	now := c.now()
	c.mtx.Lock()
	if e, ok := c.ents[tenant]; ok && now.Before(e.exp) {
		c.mtx.Unlock()
		return e.snap
	}
	c.mtx.Unlock()

	// build outside the lock; a racing rebuild wastes a scan but never
	// serves stale data past the TTL
	s := c.build(tenant)
	c.mtx.Lock()
	c.ents[tenant] = &snapshotEnt{snap: s, exp: now.Add(snapshotTTL)}
	c.mtx.Unlock()
	return s
}

func (c *snapshotCache) invalidate(tenant string) {
	c.mtx.Lock()
	delete(c.ents, tenant)
	c.mtx.Unlock()
}
