// Package directory holds the administrative, non-core state FSCP
// servers load once at startup: seeded presentation records and the
// never_contact CIDR list. It never backs live session state — session
// data is in-memory only and lost on restart — so the core's Server only
// ever receives the plain in-memory values this package produces.
package directory

import (
	"crypto/x509"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/freelan-developers/go-fscp/internal/fscp"
)

// PresentationSeed is the gorm model backing the presentation_seeds
// table: a peer's certificates, keyed by endpoint, pre-populated before
// the server starts accepting traffic.
type PresentationSeed struct {
	ID         uint `gorm:"primarykey"`
	Endpoint   string
	SigCertDER []byte
	EncCertDER []byte
	CreatedAt  time.Time
}

// NeverContactEntry is the gorm model backing the never_contact table: a
// CIDR block dynamic contact discovery must never target.
type NeverContactEntry struct {
	ID        uint   `gorm:"primarykey"`
	CIDR      string `gorm:"column:cidr"`
	CreatedAt time.Time
}

// TableName pins the table name to never_contact.
func (NeverContactEntry) TableName() string { return "never_contact" }

// Store wraps the gorm handle and the two tables it owns. Opened once at
// startup (Open), used to seed in-memory state (LoadPresentationSeeds,
// LoadNeverContact), and left untouched for the rest of the process's
// life.
type Store struct {
	db *gorm.DB
}

// Open selects the backend by dbType ("sqlite" or "postgres"), migrates
// the schema, and returns a ready Store.
func Open(dbType, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(dbType) {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("directory: unsupported database type: %s (must be 'sqlite' or 'postgres')", dbType)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("directory: open %s database: %w", dbType, err)
	}
	if err := db.AutoMigrate(&PresentationSeed{}, &NeverContactEntry{}); err != nil {
		return nil, fmt.Errorf("directory: migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// AddPresentationSeed inserts or replaces the seeded certificates for an
// endpoint.
func (s *Store) AddPresentationSeed(endpoint string, sigCert, encCert *x509.Certificate) error {
	seed := PresentationSeed{Endpoint: endpoint, SigCertDER: sigCert.Raw}
	if encCert != nil {
		seed.EncCertDER = encCert.Raw
	}
	return s.db.Where(PresentationSeed{Endpoint: endpoint}).
		Assign(seed).
		FirstOrCreate(&PresentationSeed{}).Error
}

// AddNeverContact inserts a CIDR block into the never_contact table if
// not already present.
func (s *Store) AddNeverContact(cidr string) error {
	return s.db.Where(NeverContactEntry{CIDR: cidr}).
		FirstOrCreate(&NeverContactEntry{CIDR: cidr}).Error
}

// LoadPresentationSeeds reads every row of the presentation_seeds table
// and parses it into ready-to-install fscp presentation records, keyed by
// the normalized endpoint they seed.
func (s *Store) LoadPresentationSeeds() (map[fscp.Endpoint]fscp.PresentationRecord, error) {
	var rows []PresentationSeed
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("directory: list presentation seeds: %w", err)
	}
	out := make(map[fscp.Endpoint]fscp.PresentationRecord, len(rows))
	for _, row := range rows {
		ep, err := fscp.ParseEndpoint(row.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("directory: presentation seed endpoint %q: %w", row.Endpoint, err)
		}
		sigCert, err := x509.ParseCertificate(row.SigCertDER)
		if err != nil {
			return nil, fmt.Errorf("directory: presentation seed %q signature certificate: %w", row.Endpoint, err)
		}
		rec := fscp.PresentationRecord{SigCert: sigCert}
		if len(row.EncCertDER) > 0 {
			encCert, err := x509.ParseCertificate(row.EncCertDER)
			if err != nil {
				return nil, fmt.Errorf("directory: presentation seed %q encryption certificate: %w", row.Endpoint, err)
			}
			rec.EncCert = encCert
		}
		out[ep] = rec
	}
	return out, nil
}

// LoadNeverContact reads every row of the never_contact table and builds
// the CIDR prefix list the core filters dynamic contact discovery
// through.
func (s *Store) LoadNeverContact() (*fscp.NeverContactList, error) {
	var rows []NeverContactEntry
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("directory: list never_contact entries: %w", err)
	}
	prefixes := make([]netip.Prefix, 0, len(rows))
	for _, row := range rows {
		p, err := netip.ParsePrefix(row.CIDR)
		if err != nil {
			return nil, fmt.Errorf("directory: never_contact entry %q: %w", row.CIDR, err)
		}
		prefixes = append(prefixes, p)
	}
	return fscp.NewNeverContactList(prefixes), nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
