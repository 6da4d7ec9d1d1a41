/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package zoned

import (
	cmap "github.com/orcaman/concurrent-map/v2"
)

type GlobalStuff struct {
	Verbose  bool
	Debug    bool
	AppName  string
	TsigKeys map[string]*TsigDetails
}

var Globals = GlobalStuff{
	TsigKeys: map[string]*TsigDetails{},
}

var Zones = cmap.New[*ZoneData]()
