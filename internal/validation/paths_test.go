package validation

import (
	"path/filepath"
	"testing"
)

// TestValidateFilename tests validation of single path elements
func TestValidateFilename(t *testing.T) {
	testCases := []struct {
		name        string
		filename    string
		expectValid bool
	}{
		{"simple", "file.txt", true},
		{"with_dash", "my-file.txt", true},
		{"with_dots", "file.v1.2.3.txt", true},
		{"double_dot_inside", "data..v2.csv", true},
		{"hidden_file", ".hidden", true},
		{"spaces", "my file.txt", true},
		{"unicode", "résumé.pdf", true},

		{"empty", "", false},
		{"dot", ".", false},
		{"dotdot", "..", false},
		{"unix_traversal", "../etc/passwd", false},
		{"windows_traversal", `..\windows\system32`, false},
		{"subdirectory", "dir/file.txt", false},
		{"windows_separator", `dir\file.txt`, false},
		{"absolute", "/etc/passwd", false},
		{"null_byte", "file\x00.txt", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateFilename(tc.filename)
			if tc.expectValid && err != nil {
				t.Errorf("Expected %q to be valid, got error: %v", tc.filename, err)
			}
			if !tc.expectValid && err == nil {
				t.Errorf("Expected %q to be invalid", tc.filename)
			}
		})
	}
}

func TestValidatePathInDirectory(t *testing.T) {
	base := filepath.Join(string(filepath.Separator), "tmp", "downloads")
	testCases := []struct {
		name        string
		path        string
		baseDir     string
		expectValid bool
	}{
		{"simple_file", "file.txt", base, true},
		{"subdirectory", filepath.Join("subdir", "file.txt"), base, true},
		{"parent_then_back", filepath.Join("subdir", "..", "file.txt"), base, true},
		{"absolute_inside", filepath.Join(base, "a", "b.txt"), base, true},
		{"base_itself", ".", base, true},

		{"escape_one_level", filepath.Join("..", "file.txt"), base, false},
		{"escape_multiple", filepath.Join("..", "..", "file.txt"), base, false},
		{"absolute_outside", filepath.Join(string(filepath.Separator), "etc", "passwd"), base, false},
		{"sibling_prefix", filepath.Join(base+"-evil", "x"), base, false},
		{"empty_path", "", base, false},
		{"empty_base", "file.txt", "", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidatePathInDirectory(tc.path, tc.baseDir)
			if tc.expectValid && err != nil {
				t.Errorf("Expected %q to be within %q, got error: %v", tc.path, tc.baseDir, err)
			}
			if !tc.expectValid && err == nil {
				t.Errorf("Expected %q to be rejected for base %q", tc.path, tc.baseDir)
			}
		})
	}
}

func TestValidatePathInDirectoryTempDir(t *testing.T) {
	base := t.TempDir()
	if err := ValidatePathInDirectory(filepath.Join(base, "sub", "f.bin"), base); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidatePathInDirectory(filepath.Dir(base), base); err == nil {
		t.Error("parent of base accepted")
	}
}
