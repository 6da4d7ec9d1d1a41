/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package zoned

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/spf13/viper"
)

// RefreshEngine owns the per-zone refresh lifecycle: requests arrive
// on the refresh queue (config load, SIGHUP, inbound NOTIFY, API) and
// the per-zone timers call back into each zone's RefreshEvent. The
// engine itself only dispatches; the state machine lives on the zone.
func RefreshEngine(ctx context.Context, conf *Config) {

	var zonerefch = conf.Internal.RefreshZoneQ

	if !viper.GetBool("service.refresh") {
		log.Printf("RefreshEngine: NOT active. Will accept zone definitions but skip periodic refreshes.")
		for {
			select {
			case <-ctx.Done():
				log.Printf("RefreshEngine: terminating due to context cancelled (inactive mode)")
				return
			case <-zonerefch:
			}
			// ensure that we keep reading to keep the channel open
		}
	}

	log.Printf("RefreshEngine: Starting")

	for {
		select {
		case <-ctx.Done():
			log.Printf("RefreshEngine: terminating due to context cancelled")
			return
		case zr, ok := <-zonerefch:
			if !ok {
				log.Printf("RefreshEngine: terminating due to zonerefch closed")
				return
			}
			if zr.Name == "" {
				continue
			}
			resp := RefresherResponse{Zone: zr.Name, Time: time.Now()}
			zd, exist := Zones.Get(zr.Name)
			if !exist {
				resp.Error = true
				resp.ErrorMsg = fmt.Sprintf("RefreshEngine: request to refresh unknown zone %q", zr.Name)
				log.Printf(resp.ErrorMsg)
				if zr.Response != nil {
					zr.Response <- resp
				}
				continue
			}

			if zd.Error && zd.ErrorKind != TransientError {
				resp.Msg = fmt.Sprintf("RefreshEngine: Zone %s is in %s error state: %s",
					zr.Name, ErrorKindToString[zd.ErrorKind], zd.ErrorMsg)
				log.Printf(resp.Msg)
				if zr.Response != nil {
					zr.Response <- resp
				}
				continue
			}

			log.Printf("RefreshEngine: scheduling immediate refresh for zone %q", zr.Name)
			switch zd.ZoneType {
			case Primary:
				go func(zd *ZoneData) {
					updated, err := zd.ReloadFromFile()
					if err != nil {
						log.Printf("RefreshEngine: Error from zone reload(%s): %v", zd.ZoneName, err)
						zd.SetError(TransientError, "reload error: %v", err)
						return
					}
					if updated {
						log.Printf("Zone %s was updated via reload", zd.ZoneName)
						zd.NotifySlaves()
					}
				}(zd)

			case Secondary:
				go zd.RefreshEvent()
			}

			if zr.Response != nil {
				resp.Msg = fmt.Sprintf("RefreshEngine: %s zone %s refreshing (force=%v)",
					ZoneTypeToString[zd.ZoneType], zr.Name, zr.Force)
				zr.Response <- resp
			}
		}
	}
}
