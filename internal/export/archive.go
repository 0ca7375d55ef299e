package export

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"time"
)

// archiveFile is one entry of the binder archive.
type archiveFile struct {
	name string
	data []byte
}

// buildTarGz writes the files into a gzipped tarball, in the order given.
func buildTarGz(files []archiveFile) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	now := time.Now()
	for _, file := range files {
		header := &tar.Header{
			Name:    file.name,
			Mode:    0644,
			Size:    int64(len(file.data)),
			ModTime: now,
		}
		if err := tw.WriteHeader(header); err != nil {
			return nil, fmt.Errorf("write archive header %s: %w", file.name, err)
		}
		if _, err := tw.Write(file.data); err != nil {
			return nil, fmt.Errorf("write archive entry %s: %w", file.name, err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}
	return buf.Bytes(), nil
}
