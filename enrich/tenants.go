/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package enrich

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/asergeyev/nradix"
)

const tenantCacheTTL = 5 * time.Minute

var (
	ErrUnknownTenant = errors.New("no tenant owns this address")
	ErrEmptyTenant   = errors.New("empty tenant id")
)

// TenantTable resolves a source IP to the owning tenant by longest prefix
// match, with a read-through cache in front of the radix tree.  The tree
// is immutable after construction; policy changes arrive by building a
// replacement table.
type TenantTable struct {
	tree *nradix.Tree
	mtx  sync.Mutex
	hits map[string]tenantHit
	now  func() time.Time
}

type tenantHit struct {
	tenant string
	exp    time.Time
}

func NewTenantTable(cidrs map[string][]string) (*TenantTable, error) {
	t := &TenantTable{
		tree: nradix.NewTree(0),
		hits: map[string]tenantHit{},
		now:  time.Now,
	}
	for tenant, nets := range cidrs {
		if tenant == `` {
			return nil, ErrEmptyTenant
		}
		for _, c := range nets {
			if err := t.tree.AddCIDR(c, tenant); err != nil {
				return nil, fmt.Errorf("tenant %s bad CIDR %q: %w", tenant, c, err)
			}
		}
	}
	return t, nil
}

// Resolve returns the tenant owning ip.  Negative results are not cached,
// an unattributed source is rare and cheap to re-check.
func (t *TenantTable) Resolve(ip net.IP) (tenant string, err error) {
	if ip == nil {
		err = ErrUnknownTenant
		return
	}
	key := ip.String()
	now := t.now()
	t.mtx.Lock()
	if h, ok := t.hits[key]; ok && now.Before(h.exp) {
		t.mtx.Unlock()
		return h.tenant, nil
	}
	t.mtx.Unlock()

	v, terr := t.tree.FindCIDR(key)
	if terr != nil || v == nil {
		err = ErrUnknownTenant
		return
	}
	tenant, _ = v.(string)
	if tenant == `` {
		err = ErrUnknownTenant
		return
	}
	t.mtx.Lock()
	t.hits[key] = tenantHit{tenant: tenant, exp: now.Add(tenantCacheTTL)}
	t.mtx.Unlock()
	return
}
