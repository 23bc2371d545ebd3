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
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/rapidloop/gatewayd/gwerr"
)

// trackedFile is one staged upload's temp path plus the destination facts
// the File-Store Committer needs: the rendered relative_path (used to build
// the commit destination) and the original, un-templated file name (used by
// the rollback path, per spec.md §9 open question 1).
type trackedFile struct {
	tempPath     string
	relativePath string
	fileName     string
}

// tempFileTracker records every temp path staged during one request so it
// can be guaranteed cleanup on any exit path: successful commit, proxy-mode
// short-circuit, error, or cancellation.
type tempFileTracker struct {
	mu    sync.Mutex
	paths []string
	files []trackedFile
}

func (t *tempFileTracker) add(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paths = append(t.paths, path)
}

// addFile records a staged upload's commit-relevant facts alongside its temp
// path. Call in addition to add(path) for entries the committer must copy.
func (t *tempFileTracker) addFile(path, relativePath, fileName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.files = append(t.files, trackedFile{tempPath: path, relativePath: relativePath, fileName: fileName})
}

func (t *tempFileTracker) trackedFiles() []trackedFile {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]trackedFile, len(t.files))
	copy(out, t.files)
	return out
}

func (t *tempFileTracker) snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.paths))
	copy(out, t.paths)
	return out
}

// cleanup removes every tracked temp file, logging but not surfacing
// per-file errors.
func (t *tempFileTracker) cleanup(logger func(path string, err error)) {
	for _, p := range t.snapshot() {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && logger != nil {
			logger(p, err)
		}
	}
}

var windowsReservedNames = map[string]bool{
	"con": true, "prn": true, "aux": true, "nul": true,
	"com1": true, "com2": true, "com3": true, "com4": true, "com5": true,
	"com6": true, "com7": true, "com8": true, "com9": true,
	"lpt1": true, "lpt2": true, "lpt3": true, "lpt4": true, "lpt5": true,
	"lpt6": true, "lpt7": true, "lpt8": true, "lpt9": true,
}

// validateFilename applies the checks of spec.md §4.7: NFC-normalized,
// no control/zero-width/colon/separator/platform-invalid characters, length
// limit, not a reserved device name, not all dots, no leading hyphen, and a
// traversal guard against a notional base path.
func validateFilename(name string) (string, error) {
	name = norm.NFC.String(name)
	if name == "" {
		return "", gwerr.Validation("file name is empty")
	}
	if len(name) > 150 {
		return "", gwerr.Validation("file name exceeds 150 characters")
	}
	if strings.HasPrefix(name, "-") {
		return "", gwerr.Validation("file name must not start with a hyphen")
	}
	allDots := true
	for _, r := range name {
		if r != '.' {
			allDots = false
		}
		if unicode.IsControl(r) || r == ':' || r == '/' || r == '\\' ||
			r == '<' || r == '>' || r == '"' || r == '|' || r == '?' || r == '*' {
			return "", gwerr.Validation("file name contains an invalid character")
		}
		if (r >= '\u200B' && r <= '\u200F') || r == '\uFEFF' {
			return "", gwerr.Validation("file name contains a zero-width character")
		}
	}
	if allDots {
		return "", gwerr.Validation("file name must not consist only of dots")
	}
	base := strings.ToLower(strings.TrimSuffix(name, filepath.Ext(name)))
	if windowsReservedNames[base] {
		return "", gwerr.Validation("file name is a reserved device name")
	}
	if filepath.Clean("/base/"+name) != "/base/"+name {
		return "", gwerr.Validation("file name attempts path traversal")
	}
	return name, nil
}

// renderRelativePath expands the relative_path_template's placeholders:
// {date{fmt}}, {{guid}}, {file{name}}.
func renderRelativePath(tmpl, id, name string) string {
	if tmpl == "" {
		return name
	}
	out := tmpl
	out = strings.ReplaceAll(out, "{{guid}}", id)
	out = strings.ReplaceAll(out, "{file{name}}", name)
	for {
		start := strings.Index(out, "{date{")
		if start < 0 {
			break
		}
		end := strings.Index(out[start:], "}}")
		if end < 0 {
			break
		}
		end += start
		layout := goTimeLayout(out[start+len("{date{") : end])
		out = out[:start] + time.Now().Format(layout) + out[end+2:]
	}
	return out
}

// goTimeLayout translates a handful of common strftime-ish tokens into Go's
// reference-time layout; unrecognized formats pass through untranslated.
func goTimeLayout(format string) string {
	replacer := strings.NewReplacer(
		"yyyy", "2006", "MM", "01", "dd", "02",
		"HH", "15", "mm", "04", "ss", "05",
	)
	return replacer.Replace(format)
}

func extOf(name string) string {
	ext := filepath.Ext(name)
	return strings.TrimPrefix(ext, ".")
}

func mimeTypeFor(name string, sniff []byte) string {
	if ext := filepath.Ext(name); ext != "" {
		if ct := mime.TypeByExtension(ext); ct != "" {
			return ct
		}
	}
	if len(sniff) > 0 {
		return http.DetectContentType(sniff)
	}
	return "application/octet-stream"
}

// stagedFileError is returned by stageFiles when a particular file fails
// validation; the aggregate count/size limits are checked by the caller.
type stagedFileError struct {
	index int
	err   error
}

func (e *stagedFileError) Error() string {
	return fmt.Sprintf("file #%d: %v", e.index+1, e.err)
}

// stageFiles implements the File-Upload Stager (spec.md §4.7). rawFiles is
// either a []any (decoded JSON array, one map[string]any per item, each
// optionally carrying a base64 "content" field) or a []*multipart.FileHeader
// (multipart mode). It returns the rewritten array to write back into the
// parameter bundle's files field.
func stageFiles(policy *FileManagementPolicy, global *FileManagementConfig, rawFiles any, tracker *tempFileTracker) ([]map[string]any, error) {
	if rawFiles == nil {
		return nil, nil
	}

	maxSize := policy.MaxFileSizeInBytes
	if maxSize <= 0 && global != nil {
		maxSize = global.MaxFileSizeInBytes
	}
	maxCount := policy.MaxNumberOfFiles
	if maxCount <= 0 && global != nil {
		maxCount = global.MaxNumberOfFiles
	}

	switch v := rawFiles.(type) {
	case []any:
		return stageJSONFiles(policy, v, maxSize, maxCount, tracker)
	case []*multipart.FileHeader:
		return stageMultipartFiles(policy, v, maxSize, maxCount, tracker)
	default:
		return nil, gwerr.Validation("files field has unexpected shape %T", rawFiles)
	}
}

func checkPermittedExtension(policy *FileManagementPolicy, ext string) error {
	if len(policy.PermittedExtensions) == 0 {
		return nil
	}
	for _, e := range policy.PermittedExtensions {
		if strings.EqualFold(e, ext) {
			return nil
		}
	}
	return gwerr.Validation("extension %q is not permitted", ext)
}

func stageJSONFiles(policy *FileManagementPolicy, items []any, maxSize int64, maxCount int, tracker *tempFileTracker) ([]map[string]any, error) {
	if maxCount > 0 && len(items) > maxCount {
		return nil, gwerr.Validation("too many files: %d exceeds limit of %d", len(items), maxCount)
	}
	queryConsumption := policy.QueryConsumptionEnabled

	out := make([]map[string]any, 0, len(items))
	for i, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			return nil, &stagedFileError{index: i, err: fmt.Errorf("array element is not an object")}
		}
		name, _ := item["file_name"].(string)
		if name == "" {
			name, _ = item["name"].(string)
		}
		name, err := validateFilename(name)
		if err != nil {
			return nil, &stagedFileError{index: i, err: err}
		}
		ext := extOf(name)
		if err := checkPermittedExtension(policy, ext); err != nil {
			return nil, &stagedFileError{index: i, err: err}
		}

		id, _ := item["id"].(string)
		if id == "" || !policy.AllowCallerSuppliedID {
			id = uuid.NewString()
		}

		entry := map[string]any{
			"id":            id,
			"relative_path": renderRelativePath(policy.RelativePathTemplate, id, name),
			"extension":     ext,
		}

		content, hasContent := item["content"].(string)
		if !hasContent {
			// partial-update semantics: preserve an existing entry as-is
			entry["is_new_upload"] = false
			if size, ok := item["size"]; ok {
				entry["size"] = size
			}
			if mt, ok := item["mime_type"]; ok {
				entry["mime_type"] = mt
			}
			out = append(out, entry)
			continue
		}

		tmp, size, sniff, err := decodeBase64ToTemp(content, maxSize)
		if err != nil {
			return nil, &stagedFileError{index: i, err: err}
		}
		tracker.add(tmp)
		tracker.addFile(tmp, entry["relative_path"].(string), name)

		entry["is_new_upload"] = true
		entry["size"] = size
		entry["mime_type"] = mimeTypeFor(name, sniff)
		if queryConsumption {
			entry["backend_temp_file_path"] = tmp
		} else {
			b, err := os.ReadFile(tmp)
			if err != nil {
				return nil, &stagedFileError{index: i, err: err}
			}
			entry["base64_content"] = base64.StdEncoding.EncodeToString(b)
		}
		out = append(out, entry)
	}
	return out, nil
}

func stageMultipartFiles(policy *FileManagementPolicy, headers []*multipart.FileHeader, maxSize int64, maxCount int, tracker *tempFileTracker) ([]map[string]any, error) {
	if maxCount > 0 && len(headers) > maxCount {
		return nil, gwerr.Validation("too many files: %d exceeds limit of %d", len(headers), maxCount)
	}
	queryConsumption := policy.QueryConsumptionEnabled

	out := make([]map[string]any, 0, len(headers))
	for i, fh := range headers {
		name, err := validateFilename(fh.Filename)
		if err != nil {
			return nil, &stagedFileError{index: i, err: err}
		}
		ext := extOf(name)
		if err := checkPermittedExtension(policy, ext); err != nil {
			return nil, &stagedFileError{index: i, err: err}
		}
		if maxSize > 0 && fh.Size > maxSize {
			return nil, &stagedFileError{index: i, err: fmt.Errorf("size %d exceeds limit of %d", fh.Size, maxSize)}
		}

		f, err := fh.Open()
		if err != nil {
			return nil, &stagedFileError{index: i, err: err}
		}
		tmp, size, sniff, err := copyToTemp(f, maxSize)
		f.Close()
		if err != nil {
			return nil, &stagedFileError{index: i, err: err}
		}
		tracker.add(tmp)

		id := uuid.NewString()
		relPath := renderRelativePath(policy.RelativePathTemplate, id, name)
		tracker.addFile(tmp, relPath, name)
		entry := map[string]any{
			"id":            id,
			"relative_path": relPath,
			"extension":     ext,
			"is_new_upload": true,
			"size":          size,
			"mime_type":     mimeTypeFor(name, sniff),
		}
		if queryConsumption {
			entry["backend_temp_file_path"] = tmp
		} else {
			b, err := os.ReadFile(tmp)
			if err != nil {
				return nil, &stagedFileError{index: i, err: err}
			}
			entry["base64_content"] = base64.StdEncoding.EncodeToString(b)
		}
		out = append(out, entry)
	}
	return out, nil
}

// decodeBase64ToTemp streams base64-decoded bytes into a unique temp file
// in chunks, never materializing the whole payload in memory at once.
func decodeBase64ToTemp(b64 string, maxSize int64) (path string, size int64, sniff []byte, err error) {
	dec := base64.NewDecoder(base64.StdEncoding, strings.NewReader(b64))
	return copyToTemp(dec, maxSize)
}

func copyToTemp(r io.Reader, maxSize int64) (path string, size int64, sniff []byte, err error) {
	f, err := os.CreateTemp("", "gatewayd-upload-*")
	if err != nil {
		return "", 0, nil, err
	}
	defer f.Close()

	limit := r
	if maxSize > 0 {
		limit = io.LimitReader(r, maxSize+1)
	}
	buf := make([]byte, 32*1024)
	first := true
	for {
		n, rerr := limit.Read(buf)
		if n > 0 {
			if first {
				if n < 512 {
					sniff = append(sniff, buf[:n]...)
				} else {
					sniff = append(sniff, buf[:512]...)
				}
				first = false
			}
			if _, werr := f.Write(buf[:n]); werr != nil {
				os.Remove(f.Name())
				return "", 0, nil, werr
			}
			size += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			os.Remove(f.Name())
			return "", 0, nil, rerr
		}
	}
	if maxSize > 0 && size > maxSize {
		os.Remove(f.Name())
		return "", 0, nil, gwerr.Validation("file size exceeds limit of %d bytes", maxSize)
	}
	return f.Name(), size, sniff, nil
}
