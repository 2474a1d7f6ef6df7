package daemon

import (
	"io"
	"os"

	"github.com/vireo/runnerd/errors"
)

// TailFile returns up to maxBytes from the end of a file. Used for failure
// summaries and run reports; run logs can be arbitrarily large and are never
// read whole.
func TailFile(path string, maxBytes int) (string, error) {
	if maxBytes <= 0 {
		return "", nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "open log")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", errors.Wrap(err, "stat log")
	}

	size := info.Size()
	offset := int64(0)
	if size > int64(maxBytes) {
		offset = size - int64(maxBytes)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return "", errors.Wrap(err, "seek log")
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return "", errors.Wrap(err, "read log")
	}

	// Drop the partial first line when we cut into the middle of the file
	if offset > 0 {
		for i, b := range data {
			if b == '\n' {
				data = data[i+1:]
				break
			}
		}
	}
	return string(data), nil
}
