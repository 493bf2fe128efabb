package toc

import (
	"bytes"
	"os"

	tlvcore "github.com/spectralogic/go-core/tlv"

	. "tbk/utils"
)

// the toc record on tape is a TLV header followed by the XML document
const headerSize = 32

var tagTOC tlvcore.Tag = ('t'<<8 | 'c')

// EncodeRecord frames the marshalled document for the first tape record.
func EncodeRecord(t *TableOfContent) ([]byte, error) {
	data, err := t.Marshal()
	if err != nil {
		return nil, err
	}
	header := make([]byte, headerSize)
	if _, err := tlvcore.EncodeHeader(tagTOC, data, header); err != nil {
		return nil, ErrInternal.WithMessagef("encode toc header: %v", err)
	}
	return append(header, data...), nil
}

// DecodeRecord parses a record read from tape. Records without a TLV header
// are parsed as a bare XML document.
func DecodeRecord(record []byte) (*TableOfContent, error) {
	if len(record) >= headerSize {
		tag, size, _, err := tlvcore.DecodeHeader(record[:headerSize])
		if err == nil && tag == tagTOC {
			if uint64(len(record)-headerSize) < size {
				return nil, ErrDecode.WithMessagef("toc record truncated, want %d bytes, have %d", size, len(record)-headerSize)
			}
			return Parse(record[headerSize : headerSize+int(size)])
		}
	}
	if bytes.HasPrefix(bytes.TrimLeft(record, " \t\r\n"), []byte("<")) {
		return Parse(record)
	}
	return nil, ErrDecode.WithMessagef("record of %d bytes is not a toc", len(record))
}

// WriteRecordFile stores the framed record in path for a block copy to tape.
func WriteRecordFile(path string, t *TableOfContent) error {
	record, err := EncodeRecord(t)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, record, 0644); err != nil {
		return ErrPermissionDenied.WithMessagef("%s: %v", path, err)
	}
	return nil
}

func ReadRecordFile(path string) (*TableOfContent, error) {
	record, err := os.ReadFile(path)
	if err != nil {
		return nil, ErrNotFound.WithMessagef("%s: %v", path, err)
	}
	return DecodeRecord(record)
}
