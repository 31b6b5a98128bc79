package badger

import (
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/venari/internal/common"
	"github.com/ternarybob/venari/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db          *BadgerDB
	website     interfaces.WebsiteStorage
	job         interfaces.JobStorage
	page        interfaces.PageStorage
	contentHash interfaces.ContentHashStorage
	schedule    interfaces.ScheduleStorage
	crawlLog    interfaces.CrawlLogStorage
	retry       interfaces.RetryStorage
	kv          interfaces.KeyValueStorage
	blob        interfaces.BlobStorage
	stopGC      func()
	logger      arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:          db,
		website:     NewWebsiteStorage(db, logger),
		job:         NewJobStorage(db, logger),
		page:        NewPageStorage(db, logger),
		contentHash: NewContentHashStorage(db, logger),
		schedule:    NewScheduleStorage(db, logger),
		crawlLog:    NewCrawlLogStorage(db, logger),
		retry:       NewRetryStorage(db, logger),
		kv:          NewKVStorage(db, logger),
		blob:        NewBlobStorage(db, logger),
		stopGC:      db.StartGC(5 * time.Minute),
		logger:      logger,
	}

	logger.Info().Msg("Badger storage manager initialized")

	return manager, nil
}

// WebsiteStorage returns the Website storage interface
func (m *Manager) WebsiteStorage() interfaces.WebsiteStorage {
	return m.website
}

// JobStorage returns the Job storage interface
func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.job
}

// PageStorage returns the Page storage interface
func (m *Manager) PageStorage() interfaces.PageStorage {
	return m.page
}

// ContentHashStorage returns the ContentHash storage interface
func (m *Manager) ContentHashStorage() interfaces.ContentHashStorage {
	return m.contentHash
}

// ScheduleStorage returns the Schedule storage interface
func (m *Manager) ScheduleStorage() interfaces.ScheduleStorage {
	return m.schedule
}

// CrawlLogStorage returns the CrawlLog storage interface
func (m *Manager) CrawlLogStorage() interfaces.CrawlLogStorage {
	return m.crawlLog
}

// RetryStorage returns the Retry storage interface
func (m *Manager) RetryStorage() interfaces.RetryStorage {
	return m.retry
}

// KeyValueStorage returns the KeyValue storage interface
func (m *Manager) KeyValueStorage() interfaces.KeyValueStorage {
	return m.kv
}

// BlobStorage returns the Blob storage interface
func (m *Manager) BlobStorage() interfaces.BlobStorage {
	return m.blob
}

// DB returns the underlying database connection
func (m *Manager) DB() interface{} {
	if m.db != nil {
		return m.db.Store()
	}
	return nil
}

// Close stops background GC and closes the database connection
func (m *Manager) Close() error {
	if m.stopGC != nil {
		m.stopGC()
	}
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
