/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package events

import (
	"errors"

	"github.com/goccy/go-json"
)

var (
	ErrNilEvent   = errors.New("nil event")
	ErrEmptyValue = errors.New("empty encoded value")
)

// Encode renders an enriched event for the bus and the durable store.
func Encode(ev *Enriched) ([]byte, error) {
	if ev == nil {
		return nil, ErrNilEvent
	}
	return json.Marshal(ev)
}

// Decode is the inverse of Encode, it also enforces the tenant invariant so
// a corrupt record cannot sneak an unattributed event into the processors.
func Decode(b []byte) (ev *Enriched, err error) {
	if len(b) == 0 {
		err = ErrEmptyValue
		return
	}
	ev = &Enriched{}
	if err = json.Unmarshal(b, ev); err != nil {
		ev = nil
	} else if err = ev.Validate(); err != nil {
		ev = nil
	}
	return
}
