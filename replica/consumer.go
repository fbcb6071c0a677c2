package replica

import (
	"fmt"
)

// Consumer ties the configured databases and their sources to one run queue
// and one shutdown latch. It is what the daemon drives.
type Consumer struct {
	shutdown *ShutdownLatch
	runQueue *RunQueue

	databases []*Database

	log LogFunction
}

// Database is one replicated naming context: its store, its shared cookie
// state, and the sources feeding it.
type Database struct {
	Config      *DatabaseConfig
	Dir         DirectoryOps
	CookieState *CookieState
	Sources     []*Source
}

// StoreOpener maps a database's store config to a DirectoryOps backend.
type StoreOpener func(database *DatabaseConfig) (DirectoryOps, error)

// MemoryStoreOpener ignores the DSN and serves from memory.
func MemoryStoreOpener(database *DatabaseConfig) (DirectoryOps, error) {
	return NewMemoryDirectory(database.Suffix), nil
}

func NewConsumer(config *Config, openStore StoreOpener, settings *SourceSettings) (*Consumer, error) {
	if openStore == nil {
		openStore = MemoryStoreOpener
	}

	consumer := &Consumer{
		shutdown: NewShutdownLatch(),
		log:      LogFn(LogLevelInfo, "consumer"),
	}
	consumer.runQueue = NewRunQueue(consumer.shutdown)

	for _, databaseConfig := range config.Databases {
		dir, err := openStore(databaseConfig)
		if err != nil {
			return nil, fmt.Errorf("database %s: %w", databaseConfig.Suffix, err)
		}

		// one cookie state per database, shared by its sources
		cookieState := NewCookieState(dir, databaseConfig.Suffix, databaseConfig.SubentryCSN, consumer.shutdown)

		database := &Database{
			Config:      databaseConfig,
			Dir:         dir,
			CookieState: cookieState,
		}
		for _, sourceConfig := range databaseConfig.Sources {
			sourceSettings := settings
			if sourceSettings == nil {
				sourceSettings = DefaultSourceSettings()
			}
			sourceSettings.MultiMaster = sourceSettings.MultiMaster || databaseConfig.MultiMaster

			var logDir DirectoryOps
			if sourceConfig.SyncData == DataAccessLog {
				// the local log lives in the same store for resolution
				logDir = dir
			}
			source := NewSource(sourceConfig, dir, logDir, cookieState, consumer.runQueue, consumer.shutdown, sourceSettings)
			database.Sources = append(database.Sources, source)
		}
		// NewSource refs per source; drop the construction ref
		cookieState.Unref()

		consumer.databases = append(consumer.databases, database)
	}
	return consumer, nil
}

func (self *Consumer) Databases() []*Database {
	return self.databases
}

func (self *Consumer) RunQueue() *RunQueue {
	return self.runQueue
}

func (self *Consumer) Shutdown() *ShutdownLatch {
	return self.shutdown
}

// Start enqueues every source.
func (self *Consumer) Start() {
	for _, database := range self.databases {
		self.log("database %s: %d sources", database.Config.Suffix, len(database.Sources))
		for _, source := range database.Sources {
			source.Start()
		}
	}
}

// Stop sets the shutdown latch; running ticks unwind on their own.
func (self *Consumer) Stop() {
	self.shutdown.Set()
	self.runQueue.Close()
}
