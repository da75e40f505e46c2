package repository

import (
	"strings"
	"testing"

	"github.com/netsentry/netsentry-go/internal/domain"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err, "Failed to open test database")

	tables := []interface{}{
		&domain.DNSRecord{},
		&domain.DNSRecordAddress{},
		&domain.DNSEvent{},
		&domain.TrafficFlow{},
		&domain.ThreatIndicator{},
		&domain.ThreatFeed{},
		&domain.ThreatAlert{},
		&domain.WhitelistEntry{},
		&domain.ThreatConfig{},
	}

	for _, table := range tables {
		err = db.AutoMigrate(table)
		// Ignore "index already exists" errors (happens in test environment)
		if err != nil && !strings.Contains(err.Error(), "already exists") {
			require.NoError(t, err, "Failed to migrate test database")
		}
	}

	return db
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}
