package files

import (
	"io/fs"
	"os"
	"path/filepath"

	. "tbk/utils"
)

// Scan opens every regular file below roots in lexical order. Ids are
// handed out sequentially starting at firstID. A root may also be a file.
func Scan(roots []string, recursive bool, firstID int, opts Options) ([]*Handle, error) {
	var handles []*Handle
	id := firstID
	add := func(path, context string) error {
		o := opts
		o.Create = false
		o.Context = context
		h, err := Open(id, path, o)
		if err != nil {
			return err
		}
		handles = append(handles, h)
		id++
		return nil
	}

	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, ErrInvalidArgument.WithMessagef("%s: %v", root, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, classify(abs, err)
		}
		if !info.IsDir() {
			if err := add(abs, filepath.Dir(abs)); err != nil {
				return nil, err
			}
			continue
		}
		if !recursive {
			entries, err := os.ReadDir(abs)
			if err != nil {
				return nil, classify(abs, err)
			}
			for _, entry := range entries {
				if entry.Type().IsRegular() {
					if err := add(filepath.Join(abs, entry.Name()), abs); err != nil {
						return nil, err
					}
				}
			}
			continue
		}
		err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return classify(path, err)
			}
			if d.Type().IsRegular() {
				return add(path, abs)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return handles, nil
}
