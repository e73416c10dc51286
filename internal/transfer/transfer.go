// Package transfer uploads files to hosts over SFTP before a command runs.
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// Pushed describes a completed upload.
type Pushed struct {
	Checksum string // hex SHA-256 of the uploaded content
	Bytes    int64
}

// PushFile uploads localPath to remotePath over an SFTP session on client,
// creating the remote directory if needed and applying mode. The remote copy
// is read back and its SHA-256 compared with the local one.
func PushFile(ctx context.Context, client *ssh.Client, localPath, remotePath string, mode os.FileMode) (Pushed, error) {
	local, err := os.Open(localPath)
	if err != nil {
		return Pushed{}, fmt.Errorf("open local file: %w", err)
	}
	defer local.Close()

	sc, err := sftp.NewClient(client)
	if err != nil {
		return Pushed{}, fmt.Errorf("sftp client: %w", err)
	}
	defer sc.Close()

	// Remote paths are always slash-separated.
	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := sc.MkdirAll(dir); err != nil {
			return Pushed{}, fmt.Errorf("create remote dir %s: %w", dir, err)
		}
	}

	remote, err := sc.Create(remotePath)
	if err != nil {
		return Pushed{}, fmt.Errorf("create remote file: %w", err)
	}

	hasher := sha256.New()
	n, err := copyWithContext(ctx, io.MultiWriter(remote, hasher), local)
	if cerr := remote.Close(); err == nil {
		err = cerr
	}
	pushed := Pushed{Checksum: hex.EncodeToString(hasher.Sum(nil)), Bytes: n}
	if err != nil {
		return pushed, fmt.Errorf("copy: %w", err)
	}

	if mode != 0 {
		if err := sc.Chmod(remotePath, mode); err != nil {
			return pushed, fmt.Errorf("chmod %s: %w", remotePath, err)
		}
	}

	got, err := remoteChecksum(sc, remotePath)
	if err != nil {
		return pushed, fmt.Errorf("verify upload: %w", err)
	}
	if got != pushed.Checksum {
		return pushed, fmt.Errorf("checksum mismatch: local=%s remote=%s", pushed.Checksum, got)
	}
	return pushed, nil
}

// remoteChecksum hashes the remote file by reading it back over SFTP, so the
// host needs no sha256sum binary.
func remoteChecksum(sc *sftp.Client, remotePath string) (string, error) {
	f, err := sc.Open(remotePath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// copyWithContext copies in 32KiB chunks, stopping when ctx ends.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
		}
		if errors.Is(rerr, io.EOF) {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// Stager uploads one script to every host it is given. It satisfies the
// staging hook of the SSH runner.
type Stager struct {
	LocalPath  string
	RemotePath string
	Mode       os.FileMode
	Logger     *zap.Logger
}

// NewStager returns a Stager that uploads localPath to remotePath as an
// executable file.
func NewStager(localPath, remotePath string, logger *zap.Logger) (*Stager, error) {
	if localPath == "" || remotePath == "" {
		return nil, errors.New("stager needs both a local and a remote path")
	}
	if _, err := os.Stat(localPath); err != nil {
		return nil, fmt.Errorf("script %s: %w", localPath, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stager{LocalPath: localPath, RemotePath: remotePath, Mode: 0o755, Logger: logger}, nil
}

// Stage pushes the script to host.
func (s *Stager) Stage(ctx context.Context, client *ssh.Client, host string) error {
	pushed, err := PushFile(ctx, client, s.LocalPath, s.RemotePath, s.Mode)
	if err != nil {
		return err
	}
	if s.Logger != nil {
		s.Logger.Debug("staged script",
			zap.String("host", host),
			zap.String("path", s.RemotePath),
			zap.Int64("bytes", pushed.Bytes),
			zap.String("sha256", pushed.Checksum),
		)
	}
	return nil
}
