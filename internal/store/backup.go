package store

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// backupStamp is the snapshot filename timestamp layout.
const backupStamp = "20060102T150405Z"

// Backup snapshots the database into dir via VACUUM INTO, producing
// backup_<YYYYMMDD>T<HHMMSS>Z.db (or .db.gz when compress is set). VACUUM
// INTO reads a consistent snapshot without blocking other readers.
func (s *Store) Backup(ctx context.Context, dir string, compress bool) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	stamp := s.Now().Format(backupStamp)
	raw := filepath.Join(dir, fmt.Sprintf("backup_%s.db", stamp))

	err := s.withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, raw)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("vacuum into: %w", err)
	}
	if !compress {
		s.logger.Info("backup written", "path", raw)
		return raw, nil
	}

	gz := raw + ".gz"
	if err := gzipFile(raw, gz); err != nil {
		os.Remove(gz)
		return "", fmt.Errorf("compress backup: %w", err)
	}
	if err := os.Remove(raw); err != nil {
		return "", fmt.Errorf("remove raw backup: %w", err)
	}
	s.logger.Info("backup written", "path", gz)
	return gz, nil
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		out.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
