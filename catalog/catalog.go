// Package catalog keeps a sqlite record of every backup written, so files
// can be located on tape without reading tables of contents back.
package catalog

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	_ "modernc.org/sqlite"

	"tbk/tapehardware"
	"tbk/toc"
	. "tbk/utils"
)

type Catalog struct {
	db           *sql.DB
	lockResource *Resource
	lockValue    int
	logger       *Logger
}

// Backup is one tape written by a backup run.
type Backup struct {
	ID         string    `json:"id" yaml:"id"`
	Volser     string    `json:"volser,omitempty" yaml:"volser,omitempty"`
	Serial     string    `json:"driveSerial" yaml:"driveSerial"`
	Vendor     string    `json:"driveVendor" yaml:"driveVendor"`
	Model      string    `json:"driveModel" yaml:"driveModel"`
	LTOVersion string    `json:"ltoVersion" yaml:"ltoVersion"`
	BlockSize  string    `json:"blockSize" yaml:"blockSize"`
	Capacity   int64     `json:"capacity" yaml:"capacity"`
	Files      int       `json:"files" yaml:"files"`
	Size       int64     `json:"size" yaml:"size"`
	Written    time.Time `json:"written" yaml:"written"`
}

// Location is where a file sits on tape. Record counts from the toc, which
// is record 0.
type Location struct {
	BackupID     string `json:"backupId" yaml:"backupId"`
	Volser       string `json:"volser,omitempty" yaml:"volser,omitempty"`
	FileID       int    `json:"fileId" yaml:"fileId"`
	Record       int    `json:"record" yaml:"record"`
	Name         string `json:"name" yaml:"name"`
	Path         string `json:"path" yaml:"path"`
	Size         int64  `json:"size" yaml:"size"`
	ChecksumType string `json:"checksumType,omitempty" yaml:"checksumType,omitempty"`
	Checksum     string `json:"checksum,omitempty" yaml:"checksum,omitempty"`
}

// Open opens the catalog database, clean removes and recreates it.
func Open(dbName string, clean bool, logger *Logger) (*Catalog, error) {
	if dbName == "" {
		return nil, ErrInvalidArgument.WithMessage("no catalog database")
	}
	if clean {
		if err := os.Remove(dbName); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove catalog %s: %w", dbName, err)
		}
	}
	db, err := sql.Open("sqlite", dbName)
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", dbName, err)
	}
	c := &Catalog{db: db, lockResource: NewResource(1), logger: logger}

	// create backups table
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS backups (backupid TEXT NOT NULL PRIMARY KEY, volser TEXT, serial TEXT, vendor TEXT, model TEXT, lto TEXT, blocksize TEXT, capacity INT, tocinfo BLOB)`)
	if err == nil {
		// create files table
		_, err = db.Exec(`CREATE TABLE IF NOT EXISTS files (backupid TEXT NOT NULL, fileid INT, record INT, name TEXT, path TEXT, size INT, cksumtype TEXT, cksum TEXT, PRIMARY KEY (backupid, fileid))`)
	}
	if err == nil {
		_, err = db.Exec(`CREATE INDEX IF NOT EXISTS files_name ON files (name)`)
	}
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("create catalog tables: %w", err)
	}
	logger.Event("Catalog opened: ", dbName)
	return c, nil
}

func (c *Catalog) lock() {
	c.lockValue = c.lockResource.Reserve()
}
func (c *Catalog) unlock() {
	c.lockResource.Release(c.lockValue)
}

func (c *Catalog) Close() error {
	c.lockResource.Stop()
	return c.db.Close()
}

// RecordBackup stores the toc of a written tape, replacing an earlier record
// of the same backup.
func (c *Catalog) RecordBackup(t *toc.TableOfContent, drive tapehardware.Identity, volser string) error {
	if t == nil || t.BackupID == "" {
		return ErrInvalidArgument.WithMessage("toc without backup id")
	}
	tocinfo, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal toc %s: %w", t.BackupID, err)
	}

	c.lock()
	defer c.unlock()
	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	sql := "INSERT OR REPLACE INTO backups (backupid, volser, serial, vendor, model, lto, blocksize, capacity, tocinfo) VALUES (?,?,?,?,?,?,?,?,?)"
	if _, err = tx.Exec(sql, t.BackupID, volser, drive.Serial, drive.Vendor, drive.Model, t.LTOVersion, t.BlockSize, t.TapeSize, tocinfo); err != nil {
		return fmt.Errorf("insert backup %s: %w", t.BackupID, err)
	}
	if _, err = tx.Exec("DELETE FROM files WHERE backupid = ?", t.BackupID); err != nil {
		return fmt.Errorf("clear files of %s: %w", t.BackupID, err)
	}
	sql = "INSERT INTO files (backupid, fileid, record, name, path, size, cksumtype, cksum) VALUES (?,?,?,?,?,?,?,?)"
	for i, entry := range t.Files {
		_, err = tx.Exec(sql, t.BackupID, entry.ID, i+1, entry.Filename, entry.Path, entry.Size, entry.ChecksumType, entry.ChecksumValue)
		if err != nil {
			return fmt.Errorf("insert file %d of %s: %w", entry.ID, t.BackupID, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	c.logger.Event("Catalog recorded backup ", t.BackupID, " with ", len(t.Files), " files")
	return nil
}

// Find returns every file whose name contains pattern, newest backup first.
func (c *Catalog) Find(pattern string) ([]Location, error) {
	c.lock()
	defer c.unlock()

	query := `SELECT f.backupid, b.volser, f.fileid, f.record, f.name, f.path, f.size, f.cksumtype, f.cksum
		FROM files f JOIN backups b ON b.backupid = f.backupid
		WHERE f.name LIKE ? ORDER BY f.backupid DESC, f.record`
	rows, err := c.db.Query(query, "%"+pattern+"%")
	if err != nil {
		return nil, fmt.Errorf("find %q: %w", pattern, err)
	}
	defer rows.Close()
	var locations []Location
	for rows.Next() {
		var l Location
		var volser, cksumtype, cksum sql.NullString
		err = rows.Scan(&l.BackupID, &volser, &l.FileID, &l.Record, &l.Name, &l.Path, &l.Size, &cksumtype, &cksum)
		if err != nil {
			return nil, fmt.Errorf("read file row: %w", err)
		}
		l.Volser, l.ChecksumType, l.Checksum = volser.String, cksumtype.String, cksum.String
		locations = append(locations, l)
	}
	return locations, rows.Err()
}

// Backups lists every recorded backup, oldest first.
func (c *Catalog) Backups() ([]Backup, error) {
	c.lock()
	defer c.unlock()

	query := `SELECT b.backupid, b.volser, b.serial, b.vendor, b.model, b.lto, b.blocksize, b.capacity,
		COUNT(f.fileid), COALESCE(SUM(f.size), 0)
		FROM backups b LEFT JOIN files f ON f.backupid = b.backupid
		GROUP BY b.backupid ORDER BY b.backupid`
	rows, err := c.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	defer rows.Close()
	var backups []Backup
	for rows.Next() {
		var b Backup
		var volser sql.NullString
		err = rows.Scan(&b.ID, &volser, &b.Serial, &b.Vendor, &b.Model, &b.LTOVersion, &b.BlockSize, &b.Capacity, &b.Files, &b.Size)
		if err != nil {
			return nil, fmt.Errorf("read backup row: %w", err)
		}
		b.Volser = volser.String
		// backup ids are ulids carrying their creation time
		if written, err := GetTimeFromID(b.ID); err == nil {
			b.Written = written.UTC()
		}
		backups = append(backups, b)
	}
	return backups, rows.Err()
}

// TOC returns the table of contents recorded for a backup.
func (c *Catalog) TOC(backupID string) (*toc.TableOfContent, error) {
	c.lock()
	defer c.unlock()

	var tocinfo []byte
	err := c.db.QueryRow("SELECT tocinfo FROM backups WHERE backupid = ?", backupID).Scan(&tocinfo)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound.WithMessagef("backup %s", backupID)
	}
	if err != nil {
		return nil, fmt.Errorf("read backup %s: %w", backupID, err)
	}
	var t toc.TableOfContent
	if err := json.Unmarshal(tocinfo, &t); err != nil {
		return nil, ErrDecode.WithMessagef("toc of backup %s: %v", backupID, err)
	}
	return &t, nil
}
