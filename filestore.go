/*
 * Copyright 2022 RapidLoop, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package gatewayd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/rapidloop/gatewayd/gwerr"
)

// fileStores holds the lazily-dialed SFTP connections shared across
// requests. Stores that share (host, port, username, password) reuse one
// connection, per spec.md §4.11.
type fileStores struct {
	logger  zerolog.Logger
	clients sync.Map // sftpKey -> *sftpConn
}

type sftpConn struct {
	ssh  *ssh.Client
	sftp *sftp.Client
}

func newFileStores(logger zerolog.Logger) *fileStores {
	return &fileStores{logger: logger}
}

func sftpKey(s *SFTPStore) string {
	port := s.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d:%s:%s", s.Host, port, s.Username, s.Password)
}

func (fs *fileStores) clientFor(s *SFTPStore) (*sftp.Client, error) {
	key := sftpKey(s)
	if v, ok := fs.clients.Load(key); ok {
		return v.(*sftpConn).sftp, nil
	}

	port := s.Port
	if port == 0 {
		port = 22
	}
	cfg := &ssh.ClientConfig{
		User:            s.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(s.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
	sshClient, err := ssh.Dial("tcp", fmt.Sprintf("%s:%d", s.Host, port), cfg)
	if err != nil {
		return nil, fmt.Errorf("sftp store %q: dial failed: %w", s.Name, err)
	}
	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("sftp store %q: handshake failed: %w", s.Name, err)
	}

	actual, loaded := fs.clients.LoadOrStore(key, &sftpConn{ssh: sshClient, sftp: sftpClient})
	if loaded {
		sftpClient.Close()
		sshClient.Close()
		return actual.(*sftpConn).sftp, nil
	}
	return sftpClient, nil
}

func (fs *fileStores) stop() {
	fs.clients.Range(func(_, v any) bool {
		c := v.(*sftpConn)
		c.sftp.Close()
		c.ssh.Close()
		return true
	})
}

// storeTarget resolves one entry of a FileManagementPolicy.Stores list
// against the configured pool of local/SFTP stores.
type storeTarget struct {
	name     string
	local    *LocalStore
	sftp     *SFTPStore
	optional bool
}

func resolveStores(stores string, global *FileManagementConfig) ([]storeTarget, error) {
	var out []storeTarget
	for _, name := range strings.Split(stores, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		found := false
		if global != nil {
			for i := range global.LocalStores {
				if global.LocalStores[i].Name == name {
					out = append(out, storeTarget{name: name, local: &global.LocalStores[i], optional: global.LocalStores[i].Optional})
					found = true
					break
				}
			}
			if !found {
				for i := range global.SFTPStores {
					if global.SFTPStores[i].Name == name {
						out = append(out, storeTarget{name: name, sftp: &global.SFTPStores[i], optional: global.SFTPStores[i].Optional})
						found = true
						break
					}
				}
			}
		}
		if !found {
			return nil, gwerr.Internal("file_store_missing", nil, "file store %q is not configured", name)
		}
	}
	return out, nil
}

// writeLocal copies src to base_path/relativePath, creating intermediate
// directories, refusing to overwrite an existing destination unless allowed.
func writeLocal(store *LocalStore, relativePath string, src io.ReaderAt, size int64, overwrite bool) (dest string, err error) {
	dest = filepath.Join(store.BasePath, filepath.FromSlash(relativePath))
	if !overwrite {
		if _, err := os.Stat(dest); err == nil {
			return dest, gwerr.Conflict("destination file %q already exists", dest)
		} else if !os.IsNotExist(err) {
			return dest, err
		}
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return dest, err
	}
	out, err := os.Create(dest)
	if err != nil {
		return dest, err
	}
	defer out.Close()
	buf := make([]byte, 32*1024)
	r := io.NewSectionReader(src, 0, size)
	if _, err := io.CopyBuffer(out, r, buf); err != nil {
		return dest, err
	}
	return dest, nil
}

func writeSFTP(client *sftp.Client, store *SFTPStore, relativePath string, src io.ReaderAt, size int64, overwrite bool) (dest string, err error) {
	dest = store.BasePath + "/" + strings.TrimPrefix(relativePath, "/")
	if !overwrite {
		if _, err := client.Stat(dest); err == nil {
			return dest, gwerr.Conflict("destination file %q already exists", dest)
		}
	}
	if err := client.MkdirAll(filepath.ToSlash(filepath.Dir(dest))); err != nil {
		return dest, err
	}
	out, err := client.Create(dest)
	if err != nil {
		return dest, err
	}
	defer out.Close()
	buf := make([]byte, 32*1024)
	r := io.NewSectionReader(src, 0, size)
	if _, err := io.CopyBuffer(out, r, buf); err != nil {
		return dest, err
	}
	return dest, nil
}

// openForRead resolves relativePath against the named store (or the first
// store in policy.Stores if storeName is empty) and opens it for reading,
// for the `relative_path` source of a `file` response structure.
func (fs *fileStores) openForRead(policy *FileManagementPolicy, global *FileManagementConfig, storeName, relativePath string) (io.ReadCloser, int64, error) {
	var stores string
	if policy != nil {
		stores = policy.Stores
	}
	targets, err := resolveStores(stores, global)
	if err != nil {
		return nil, 0, err
	}

	var target *storeTarget
	if storeName != "" {
		for i := range targets {
			if targets[i].name == storeName {
				target = &targets[i]
				break
			}
		}
	} else if len(targets) > 0 {
		target = &targets[0]
	}
	if target == nil {
		return nil, 0, gwerr.Internal("file_store_missing", nil,
			"no file store configured to resolve relative_path %q", relativePath)
	}

	switch {
	case target.local != nil:
		dest := filepath.Join(target.local.BasePath, filepath.FromSlash(relativePath))
		f, err := os.Open(dest)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, 0, gwerr.NotFound("file %q not found", relativePath)
			}
			return nil, 0, gwerr.Internal("file_read_failed", err, "failed to open %q", dest)
		}
		var size int64
		if info, err := f.Stat(); err == nil {
			size = info.Size()
		}
		return f, size, nil
	case target.sftp != nil:
		client, err := fs.clientFor(target.sftp)
		if err != nil {
			return nil, 0, gwerr.Internal("file_read_failed", err, "could not reach sftp store %q", target.name)
		}
		dest := target.sftp.BasePath + "/" + strings.TrimPrefix(relativePath, "/")
		f, err := client.Open(dest)
		if err != nil {
			return nil, 0, gwerr.NotFound("file %q not found", relativePath)
		}
		var size int64
		if info, err := f.Stat(); err == nil {
			size = info.Size()
		}
		return f, size, nil
	}
	return nil, 0, gwerr.Internal("file_store_missing", nil,
		"file store %q has neither a local nor sftp configuration", target.name)
}

// rollbackDest computes the deletion target for a store's rollback pass.
// Preserved exactly as spec.md §9 open question 1 describes: this joins the
// original file name to base_path, not base_path+relative_path as the
// commit path does, so it under-deletes files whose relative_path nests
// them under a date-derived subdirectory. Left as-is; a faithful
// reimplementation, not a bug to fix here.
func rollbackDest(basePath, fileName string) string {
	return filepath.Join(basePath, fileName)
}

// commitRecord tracks, for one staged file, which stores it was
// successfully committed to so a later failure can roll those back.
type commitRecord struct {
	file      trackedFile
	committed []storeTarget
}

// commitFiles implements the File-Store Committer (spec.md §4.11). Runs
// after a successful terminal stage, iff tracker has staged files. On any
// non-optional store failure, every already-committed destination across
// all files is rolled back through rollbackDest (which deletes base_path
// joined with the file name, so a file committed under a nested relative
// path is left in place) and a gwerr.Error is returned; the
// refuse-to-overwrite case surfaces as 409, anything else as 500.
func (fs *fileStores) commitFiles(policy *FileManagementPolicy, global *FileManagementConfig, tracker *tempFileTracker) error {
	files := tracker.trackedFiles()
	if len(files) == 0 {
		return nil
	}
	if policy == nil || policy.Stores == "" {
		return nil
	}

	overwrite := false
	if global != nil {
		overwrite = global.OverwriteExistingFiles
	}
	if policy.OverwriteExistingFiles != nil {
		overwrite = *policy.OverwriteExistingFiles
	}

	targets, err := resolveStores(policy.Stores, global)
	if err != nil {
		return err
	}

	records := make([]commitRecord, len(files))
	for i, f := range files {
		records[i] = commitRecord{file: f}
	}

	rollback := func() {
		for _, rec := range records {
			for _, t := range rec.committed {
				fs.deleteFromStore(t, rec.file.fileName)
			}
		}
	}

	for fi, f := range files {
		info, statErr := os.Stat(f.tempPath)
		if statErr != nil {
			rollback()
			return gwerr.Internal("file_commit_failed", statErr, "could not read staged file")
		}
		src, openErr := os.Open(f.tempPath)
		if openErr != nil {
			rollback()
			return gwerr.Internal("file_commit_failed", openErr, "could not read staged file")
		}

		for _, t := range targets {
			var commitErr error
			switch {
			case t.local != nil:
				_, commitErr = writeLocal(t.local, f.relativePath, src, info.Size(), overwrite)
			case t.sftp != nil:
				client, cerr := fs.clientFor(t.sftp)
				if cerr != nil {
					commitErr = cerr
				} else {
					_, commitErr = writeSFTP(client, t.sftp, f.relativePath, src, info.Size(), overwrite)
				}
			}
			if commitErr != nil {
				if t.optional {
					fs.logger.Warn().Err(commitErr).Str("store", t.name).Msg("optional file store commit failed, continuing")
					continue
				}
				src.Close()
				rollback()
				if gerr, ok := commitErr.(*gwerr.Error); ok {
					return gerr
				}
				return gwerr.Internal("file_commit_failed", commitErr, "failed to commit file to store %q", t.name)
			}
			records[fi].committed = append(records[fi].committed, t)
		}
		src.Close()
	}
	return nil
}

func (fs *fileStores) deleteFromStore(t storeTarget, fileName string) {
	switch {
	case t.local != nil:
		dest := rollbackDest(t.local.BasePath, fileName)
		if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
			fs.logger.Warn().Err(err).Str("store", t.name).Msg("rollback delete failed")
		}
	case t.sftp != nil:
		client, err := fs.clientFor(t.sftp)
		if err != nil {
			fs.logger.Warn().Err(err).Str("store", t.name).Msg("rollback delete failed: could not reach store")
			return
		}
		dest := rollbackDest(t.sftp.BasePath, fileName)
		if err := client.Remove(filepath.ToSlash(dest)); err != nil {
			fs.logger.Warn().Err(err).Str("store", t.name).Msg("rollback delete failed")
		}
	}
}
