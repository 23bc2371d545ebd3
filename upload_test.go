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
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/rapidloop/gatewayd/gwerr"
)

func TestValidateFilenameAccepts(t *testing.T) {
	got, err := validateFilename("report.pdf")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "report.pdf" {
		t.Errorf("got = %q", got)
	}
}

func TestValidateFilenameRejectsEmpty(t *testing.T) {
	if _, err := validateFilename(""); err == nil {
		t.Fatal("expected an error for an empty name")
	}
}

func TestValidateFilenameRejectsTooLong(t *testing.T) {
	name := strings.Repeat("a", 151) + ".txt"
	if _, err := validateFilename(name); err == nil {
		t.Fatal("expected an error for a name over 150 characters")
	}
}

func TestValidateFilenameRejectsLeadingHyphen(t *testing.T) {
	if _, err := validateFilename("-report.pdf"); err == nil {
		t.Fatal("expected an error for a leading hyphen")
	}
}

func TestValidateFilenameRejectsPathSeparators(t *testing.T) {
	for _, name := range []string{"a/b.txt", "a\\b.txt", "a:b.txt"} {
		if _, err := validateFilename(name); err == nil {
			t.Errorf("expected %q to be rejected", name)
		}
	}
}

func TestValidateFilenameRejectsZeroWidth(t *testing.T) {
	if _, err := validateFilename("report​.pdf"); err == nil {
		t.Fatal("expected an error for a zero-width character")
	}
}

func TestValidateFilenameRejectsAllDots(t *testing.T) {
	if _, err := validateFilename("..."); err == nil {
		t.Fatal("expected an error for a name made only of dots")
	}
}

func TestValidateFilenameRejectsReservedDeviceName(t *testing.T) {
	for _, name := range []string{"con.txt", "NUL", "com1.log"} {
		if _, err := validateFilename(name); err == nil {
			t.Errorf("expected %q to be rejected as a reserved device name", name)
		}
	}
}

func TestValidateFilenameRejectsTraversal(t *testing.T) {
	if _, err := validateFilename("..%2F..%2Fetc"); err == nil {
		t.Fatal("expected an error for a traversal attempt")
	}
}

func TestValidateFilenameNormalizesToNFC(t *testing.T) {
	// "e" + combining acute accent, decomposed (NFD) form.
	decomposed := "é.txt"
	got, err := validateFilename(decomposed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == decomposed {
		t.Error("expected the name to be normalized to its composed (NFC) form")
	}
}

func TestRenderRelativePathNoTemplate(t *testing.T) {
	if got := renderRelativePath("", "id-1", "file.txt"); got != "file.txt" {
		t.Errorf("got = %q", got)
	}
}

func TestRenderRelativePathGuidAndFileName(t *testing.T) {
	got := renderRelativePath("{{guid}}/{file{name}}", "abc-123", "report.pdf")
	if got != "abc-123/report.pdf" {
		t.Errorf("got = %q", got)
	}
}

func TestRenderRelativePathDateToken(t *testing.T) {
	got := renderRelativePath("archive/{date{yyyy}}/{file{name}}", "id", "a.txt")
	if !strings.HasPrefix(got, "archive/") || !strings.HasSuffix(got, "/a.txt") {
		t.Errorf("got = %q", got)
	}
	// the yyyy token should have been replaced with a 4-digit year, not
	// passed through literally.
	if strings.Contains(got, "yyyy") {
		t.Errorf("expected the date token to be substituted, got %q", got)
	}
}

func TestGoTimeLayout(t *testing.T) {
	if got := goTimeLayout("yyyy-MM-dd"); got != "2006-01-02" {
		t.Errorf("got = %q", got)
	}
	if got := goTimeLayout("HH:mm:ss"); got != "15:04:05" {
		t.Errorf("got = %q", got)
	}
}

func TestExtOf(t *testing.T) {
	if got := extOf("archive.tar.gz"); got != "gz" {
		t.Errorf("got = %q, want gz", got)
	}
	if got := extOf("noext"); got != "" {
		t.Errorf("got = %q, want empty", got)
	}
}

func TestMimeTypeFor(t *testing.T) {
	if got := mimeTypeFor("a.json", nil); got != "application/json" {
		t.Errorf("got = %q", got)
	}
	if got := mimeTypeFor("noext", []byte("%PDF-1.4")); got == "" {
		t.Error("expected content-sniffing to produce a non-empty type")
	}
	if got := mimeTypeFor("noext", nil); got != "application/octet-stream" {
		t.Errorf("got = %q, want application/octet-stream", got)
	}
}

func TestCheckPermittedExtension(t *testing.T) {
	policy := &FileManagementPolicy{}
	if err := checkPermittedExtension(policy, "exe"); err != nil {
		t.Errorf("expected no restriction when PermittedExtensions is empty, got %v", err)
	}

	policy2 := &FileManagementPolicy{PermittedExtensions: []string{"PDF", "png"}}
	if err := checkPermittedExtension(policy2, "pdf"); err != nil {
		t.Errorf("expected a case-insensitive match, got %v", err)
	}
	if err := checkPermittedExtension(policy2, "exe"); err == nil {
		t.Fatal("expected an error for a disallowed extension")
	}
}

func TestStageJSONFilesNewUpload(t *testing.T) {
	content := base64.StdEncoding.EncodeToString([]byte("hello world"))
	items := []any{
		map[string]any{"file_name": "a.txt", "content": content},
	}
	policy := &FileManagementPolicy{}
	tracker := &tempFileTracker{}

	out, err := stageJSONFiles(policy, items, 0, 0, tracker)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(out))
	}
	if out[0]["is_new_upload"] != true {
		t.Errorf("expected is_new_upload = true")
	}
	if out[0]["extension"] != "txt" {
		t.Errorf("extension = %v, want txt", out[0]["extension"])
	}
	if out[0]["size"] != int64(len("hello world")) {
		t.Errorf("size = %v", out[0]["size"])
	}
	if len(tracker.trackedFiles()) != 1 {
		t.Errorf("expected 1 tracked file for cleanup/commit")
	}
}

func TestStageJSONFilesQueryConsumption(t *testing.T) {
	content := base64.StdEncoding.EncodeToString([]byte("payload"))
	items := []any{map[string]any{"name": "a.bin", "content": content}}
	policy := &FileManagementPolicy{QueryConsumptionEnabled: true}
	tracker := &tempFileTracker{}

	out, err := stageJSONFiles(policy, items, 0, 0, tracker)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := out[0]["backend_temp_file_path"]; !ok {
		t.Error("expected backend_temp_file_path when query consumption is enabled")
	}
	if _, ok := out[0]["base64_content"]; ok {
		t.Error("did not expect base64_content when query consumption is enabled")
	}
}

func TestStageJSONFilesPartialUpdatePreservesExistingEntry(t *testing.T) {
	items := []any{map[string]any{"id": "existing-id", "file_name": "a.txt", "size": int64(5)}}
	policy := &FileManagementPolicy{AllowCallerSuppliedID: true}
	tracker := &tempFileTracker{}

	out, err := stageJSONFiles(policy, items, 0, 0, tracker)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out[0]["is_new_upload"] != false {
		t.Errorf("expected is_new_upload = false for an entry without content")
	}
	if out[0]["id"] != "existing-id" {
		t.Errorf("expected the caller-supplied id to be preserved, got %v", out[0]["id"])
	}
	if len(tracker.trackedFiles()) != 0 {
		t.Error("expected no tracked temp file for a preserved entry")
	}
}

func TestStageJSONFilesTooManyFiles(t *testing.T) {
	items := []any{
		map[string]any{"file_name": "a.txt"},
		map[string]any{"file_name": "b.txt"},
	}
	policy := &FileManagementPolicy{}
	tracker := &tempFileTracker{}

	_, err := stageJSONFiles(policy, items, 0, 1, tracker)
	var gerr *gwerr.Error
	if !errors.As(err, &gerr) || gerr.Kind != gwerr.KindValidation {
		t.Fatalf("expected a validation error for too many files, got %v", err)
	}
}

func TestStageJSONFilesRejectsDisallowedExtension(t *testing.T) {
	content := base64.StdEncoding.EncodeToString([]byte("x"))
	items := []any{map[string]any{"file_name": "a.exe", "content": content}}
	policy := &FileManagementPolicy{PermittedExtensions: []string{"txt"}}
	tracker := &tempFileTracker{}

	_, err := stageJSONFiles(policy, items, 0, 0, tracker)
	var sfe *stagedFileError
	if !errors.As(err, &sfe) {
		t.Fatalf("expected a stagedFileError, got %v", err)
	}
}

func TestStageJSONFilesEnforcesMaxSize(t *testing.T) {
	content := base64.StdEncoding.EncodeToString([]byte("this payload is too big"))
	items := []any{map[string]any{"file_name": "a.txt", "content": content}}
	policy := &FileManagementPolicy{}
	tracker := &tempFileTracker{}

	_, err := stageJSONFiles(policy, items, 4, 0, tracker)
	if err == nil {
		t.Fatal("expected an error when the decoded content exceeds the size limit")
	}
}

func TestStageFilesNilRawFiles(t *testing.T) {
	out, err := stageFiles(&FileManagementPolicy{}, nil, nil, &tempFileTracker{})
	if err != nil || out != nil {
		t.Fatalf("expected (nil, nil) for a nil rawFiles, got (%v, %v)", out, err)
	}
}

func TestStageFilesUnexpectedShape(t *testing.T) {
	_, err := stageFiles(&FileManagementPolicy{}, nil, "not-a-valid-shape", &tempFileTracker{})
	var gerr *gwerr.Error
	if !errors.As(err, &gerr) || gerr.Kind != gwerr.KindValidation {
		t.Fatalf("expected a validation error for an unexpected files shape, got %v", err)
	}
}

func TestStageFilesUsesGlobalDefaultsWhenPolicyUnset(t *testing.T) {
	items := []any{
		map[string]any{"file_name": "a.txt"},
		map[string]any{"file_name": "b.txt"},
	}
	policy := &FileManagementPolicy{}
	global := &FileManagementConfig{MaxNumberOfFiles: 1}

	_, err := stageFiles(policy, global, items, &tempFileTracker{})
	var gerr *gwerr.Error
	if !errors.As(err, &gerr) || gerr.Kind != gwerr.KindValidation {
		t.Fatalf("expected the global MaxNumberOfFiles to apply, got %v", err)
	}
}

func TestTempFileTrackerCleanup(t *testing.T) {
	tracker := &tempFileTracker{}
	tmp, _, _, err := copyToTemp(strings.NewReader("data"), 0)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	tracker.add(tmp)

	var loggedErr error
	tracker.cleanup(func(path string, err error) { loggedErr = err })
	if loggedErr != nil {
		t.Errorf("unexpected cleanup error: %v", loggedErr)
	}
	if _, statErr := os.Stat(tmp); statErr == nil {
		t.Error("expected the temp file to be removed after cleanup")
	}
}
