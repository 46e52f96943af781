package main

import (
	"context"
	"flag"
	"log"

	"github.com/zeptools/sqlrelay/conf"

	_ "github.com/zeptools/sqlrelay/backend/impls/mysql"
	_ "github.com/zeptools/sqlrelay/backend/impls/pgsql"
	_ "github.com/zeptools/sqlrelay/dialect/impls/mysql"
	_ "github.com/zeptools/sqlrelay/dialect/impls/pgsql"
	_ "github.com/zeptools/sqlrelay/kvdb/impls/memkv"
	_ "github.com/zeptools/sqlrelay/kvdb/impls/redis"
)

func main() {
	appRoot := flag.String("root", ".", "application root holding the config directory")
	flag.Parse()

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	core := &conf.Core{}
	if err := core.BaseInit(*appRoot, rootCtx, rootCancel); err != nil {
		log.Fatalf("[FATAL] config: %v", err)
	}
	if err := core.PrepareBackends(); err != nil {
		log.Fatalf("[FATAL] backends: %v", err)
	}
	if err := core.PrepareKVDatabase(); err != nil {
		log.Fatalf("[FATAL] kv database: %v", err)
	}
	core.PrepareCluster()
	core.PrepareRelay()
	if err := core.PrepareSockService(); err != nil {
		log.Fatalf("[FATAL] socket service: %v", err)
	}
	core.PrepareReaper()

	if err := core.StartServices(); err != nil {
		log.Fatalf("[FATAL] starting services: %v", err)
	}
	log.Printf("[INFO] %s serving on %s", core.AppName, core.SocketPath)

	if err := core.WaitServicesDone(); err != nil {
		log.Printf("[ERROR] service failed: %v", err)
	}
	core.StopServices()
	core.Manager.Close()
	if core.KVDBClient != nil {
		_ = core.KVDBClient.Close()
	}
	log.Printf("[INFO] %s stopped", core.AppName)
}
