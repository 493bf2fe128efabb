// Package toc builds, encodes and parses the table of contents that is
// written as the first record of every backup tape.
package toc

import (
	"bytes"
	"encoding/xml"
	"time"

	"tbk/files"
	"tbk/integrity"
	. "tbk/utils"
)

// FormatVersion is written into every header as tbk-version.
const FormatVersion = "4.1"

// Entry describes one file on tape, in tape order.
type Entry struct {
	ID            int    `xml:"id" json:"id" yaml:"id"`
	Filename      string `xml:"filename" json:"filename" yaml:"filename"`
	Path          string `xml:"complete-path" json:"path" yaml:"path"`
	Size          int64  `xml:"size" json:"size" yaml:"size"`
	ChecksumType  string `xml:"type,omitempty" json:"checksumType,omitempty" yaml:"checksumType,omitempty"`
	ChecksumValue string `xml:"value,omitempty" json:"checksumValue,omitempty" yaml:"checksumValue,omitempty"`
}

// TableOfContent is an immutable snapshot of what a tape holds.
type TableOfContent struct {
	Files        []Entry `json:"files" yaml:"files"`
	LTOVersion   string  `json:"ltoVersion" yaml:"ltoVersion"`
	BlockSize    string  `json:"blockSize" yaml:"blockSize"`
	TapeSize     int64   `json:"tapeSize" yaml:"tapeSize"`
	Version      string  `json:"version" yaml:"version"`
	LastModified string  `json:"lastModified,omitempty" yaml:"lastModified,omitempty"`
	BackupID     string  `json:"backupId,omitempty" yaml:"backupId,omitempty"`
}

type header struct {
	LTOVersion   string `xml:"lto-version"`
	BlockSize    string `xml:"optimal-blocksize"`
	TapeSize     int64  `xml:"tape-size"`
	Version      string `xml:"tbk-version"`
	LastModified string `xml:"last-modified"`
	BackupID     string `xml:"backup-id,omitempty"`
}

type document struct {
	XMLName xml.Name `xml:"toc"`
	Header  header   `xml:"header"`
	Files   []Entry  `xml:"file"`
}

// New builds a table of contents from idle file handles. Checksum elements
// are left out for files without a checksum algorithm.
func New(handles []*files.Handle, ltoVersion, blockSize string, tapeSize int64) *TableOfContent {
	t := &TableOfContent{
		LTOVersion:   ltoVersion,
		BlockSize:    blockSize,
		TapeSize:     tapeSize,
		Version:      FormatVersion,
		LastModified: time.Now().Format(time.RFC3339),
		BackupID:     NewID(),
	}
	for _, h := range handles {
		entry := Entry{
			ID:       h.ID(),
			Filename: h.RelativePath(),
			Path:     h.Path(),
			Size:     h.Size(),
		}
		if job := h.Checksum(); job.Algorithm() != integrity.None {
			entry.ChecksumType = string(job.Algorithm())
			entry.ChecksumValue = job.Value()
		}
		t.Files = append(t.Files, entry)
	}
	return t
}

// TotalSize is the sum of all file sizes.
func (t *TableOfContent) TotalSize() int64 {
	var total int64
	for _, f := range t.Files {
		total += f.Size
	}
	return total
}

// Find returns the entry with the given id.
func (t *TableOfContent) Find(id int) (Entry, bool) {
	for _, f := range t.Files {
		if f.ID == id {
			return f, true
		}
	}
	return Entry{}, false
}

// Marshal renders the XML document. A toc without last-modified is rendered
// with the current time, t is not changed.
func (t *TableOfContent) Marshal() ([]byte, error) {
	modified := t.LastModified
	if modified == "" {
		modified = time.Now().Format(time.RFC3339)
	}
	doc := document{
		Header: header{
			LTOVersion:   t.LTOVersion,
			BlockSize:    t.BlockSize,
			TapeSize:     t.TapeSize,
			Version:      t.Version,
			LastModified: modified,
			BackupID:     t.BackupID,
		},
		Files: t.Files,
	}
	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, ErrInternal.WithMessagef("marshal toc: %v", err)
	}
	return append([]byte(xml.Header), append(data, '\n')...), nil
}

// Parse reads an XML document produced by Marshal.
func Parse(data []byte) (*TableOfContent, error) {
	data = bytes.TrimRight(data, "\x00")
	var doc document
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, ErrDecode.WithMessagef("toc: %v", err)
	}
	return &TableOfContent{
		Files:        doc.Files,
		LTOVersion:   doc.Header.LTOVersion,
		BlockSize:    doc.Header.BlockSize,
		TapeSize:     doc.Header.TapeSize,
		Version:      doc.Header.Version,
		LastModified: doc.Header.LastModified,
		BackupID:     doc.Header.BackupID,
	}, nil
}
