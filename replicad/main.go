package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"

	"github.com/openmirror/ldsync/replica"
	"github.com/openmirror/ldsync/sqlitedir"
)

// replicad runs the consumer-side replication engine: one process, any
// number of databases, each kept in sync from its configured providers.

func main() {
	configPath := flag.String("config", "/etc/ldsync/replicad.yaml", "configuration file")
	verbose := flag.Bool("verbose", false, "debug logging in the engine")
	flag.Parse()

	if *verbose {
		replica.GlobalLogLevel = replica.LogLevelDebug
	} else {
		replica.GlobalLogLevel = replica.LogLevelInfo
	}

	raw, err := os.ReadFile(*configPath)
	if err != nil {
		glog.Errorf("read config %s: %v", *configPath, err)
		os.Exit(1)
	}
	config, err := replica.ParseConfig(raw)
	if err != nil {
		glog.Errorf("parse config %s: %v", *configPath, err)
		os.Exit(1)
	}

	stores := []*sqlitedir.Store{}
	openStore := func(database *replica.DatabaseConfig) (replica.DirectoryOps, error) {
		switch database.Store.Type {
		case "", "memory":
			return replica.NewMemoryDirectory(database.Suffix), nil
		case "sqlite":
			store, err := sqlitedir.Open(database.Store.DSN, database.Suffix)
			if err != nil {
				return nil, err
			}
			stores = append(stores, store)
			return store, nil
		default:
			glog.Errorf("database %s: unknown store type %q", database.Suffix, database.Store.Type)
			os.Exit(1)
			return nil, nil
		}
	}

	consumer, err := replica.NewConsumer(config, openStore, replica.DefaultSourceSettings())
	if err != nil {
		glog.Errorf("consumer: %v", err)
		os.Exit(1)
	}

	glog.Infof("replicad starting, %d databases", len(config.Databases))
	consumer.Start()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	glog.Infof("replicad stopping")
	consumer.Stop()
	for _, store := range stores {
		store.Close()
	}
	glog.Flush()
}
