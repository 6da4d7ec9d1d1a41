/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/johanix/zoned/zoned"
)

var appVersion string

const DefaultCfgFile = "/etc/zoned/zoned.yaml"

func mainloop(conf *zoned.Config, cancel context.CancelFunc) {
	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	hupper := make(chan os.Signal, 1)
	signal.Notify(hupper, syscall.SIGHUP)

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		for {
			select {
			case <-exit:
				log.Println("mainloop: Exit signal received. Cleaning up.")
				zoned.IterateZones(func(zd *zoned.ZoneData) {
					zd.Discard()
				})
				cancel()
				wg.Done()
				return
			case <-hupper:
				log.Println("mainloop: SIGHUP received. Reloading zone config.")
				if _, err := zoned.ParseZones(conf, true); err != nil {
					log.Printf("mainloop: Error parsing zones: %v", err)
				}
			case <-conf.Internal.StopCh:
				log.Println("mainloop: Stop command received. Cleaning up.")
				cancel()
				wg.Done()
				return
			}
		}
	}()
	wg.Wait()
}

func main() {
	var conf zoned.Config
	conf.App.Version = appVersion
	conf.App.Name = "zoned"

	pflag.StringVar(&conf.Internal.CfgFile, "config", DefaultCfgFile, "config file")
	pflag.BoolVarP(&zoned.Globals.Verbose, "verbose", "v", false, "verbose output")
	pflag.BoolVarP(&zoned.Globals.Debug, "debug", "d", false, "debug output")
	pflag.Parse()

	if err := zoned.ParseConfig(&conf, false); err != nil {
		log.Fatalf("Error parsing config %s: %v", conf.Internal.CfgFile, err)
	}

	if err := zoned.SetupLogging(conf.Log.File); err != nil {
		log.Fatalf("Error setting up logging: %v", err)
	}
	log.Printf("%s version %s starting", conf.App.Name, conf.App.Version)

	jdb, err := zoned.NewJournalDB(viper.GetString("db.file"))
	if err != nil {
		log.Fatalf("Error setting up journal DB: %v", err)
	}
	conf.Internal.JournalDB = jdb

	ctx, cancel := context.WithCancel(context.Background())

	go zoned.RefreshEngine(ctx, &conf)
	go zoned.XfrEngine(ctx, conf.Internal.XfrInQ)
	go zoned.Notifier(ctx, conf.Internal.NotifyQ)
	go zoned.UpdateHandler(ctx, conf.Internal.DnsUpdateQ)
	go zoned.NotifyHandler(ctx, conf.Internal.DnsNotifyQ)
	go zoned.ResignerEngine(ctx, conf.Internal.ResignQ)

	if _, err := zoned.ParseZones(&conf, false); err != nil {
		log.Fatalf("Error parsing zones: %v", err)
	}

	if err := DnsEngine(&conf); err != nil {
		log.Fatalf("Error starting DNS engine: %v", err)
	}

	mainloop(&conf, cancel)

	if err := jdb.Close(); err != nil {
		log.Printf("Error closing journal DB: %v", err)
	}
	log.Printf("%s: shut down", conf.App.Name)
}
