package ingest

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/jlaffaye/ftp"
)

const (
	NCEIFTPHost    = "ftp.ncei.noaa.gov:21"
	ISDHistoryPath = "/pub/data/noaa/isd-history.csv"
)

// FetchISDHistory downloads the NOAA station history catalog over anonymous
// FTP and atomically replaces dest. It returns the number of bytes written.
func FetchISDHistory(ctx context.Context, host, dest string) (int64, error) {
	if host == "" {
		host = NCEIFTPHost
	}
	conn, err := ftp.Dial(host, ftp.DialWithTimeout(30*time.Second), ftp.DialWithContext(ctx))
	if err != nil {
		return 0, fmt.Errorf("ftp dial: %w", err)
	}
	defer conn.Quit()

	if err := conn.Login("anonymous", "anonymous"); err != nil {
		return 0, fmt.Errorf("ftp login: %w", err)
	}

	resp, err := conn.Retr(ISDHistoryPath)
	if err != nil {
		return 0, fmt.Errorf("ftp retr: %w", err)
	}
	defer resp.Close()

	return writeAtomic(dest, resp)
}

func writeAtomic(dest string, r io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return 0, fmt.Errorf("write %s: %w", dest, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return 0, err
	}
	return n, nil
}
