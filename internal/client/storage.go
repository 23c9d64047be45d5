package client

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-pkgz/fileutils"
	"github.com/hashicorp/go-multierror"
)

// Extension is the file extension of database and template files.
const Extension = ".sqlite"

// sidecars are the files SQLite keeps next to a database.
var sidecars = []string{"-wal", "-shm", "-journal"}

// Storage resolves where named databases and their templates live.
type Storage struct {
	// Dir holds the databases, as <Dir>/<name>.sqlite.
	Dir string

	// TemplateDir holds optional bundled templates, as
	// <TemplateDir>/<name>.sqlite. Empty means no templates.
	TemplateDir string
}

// Path returns the database file path for name.
func (s Storage) Path(name string) string {
	return filepath.Join(s.Dir, name+Extension)
}

// TemplatePath returns the template file path for name, or "" when no
// template directory is configured.
func (s Storage) TemplatePath(name string) string {
	if s.TemplateDir == "" {
		return ""
	}
	return filepath.Join(s.TemplateDir, name+Extension)
}

// Exists reports whether the database file for name exists.
func (s Storage) Exists(name string) bool {
	_, err := os.Stat(s.Path(name))
	return err == nil
}

// Initialize makes sure the database file for name exists.
//
// If the file exists and overwrite is false nothing happens. Otherwise the
// template is copied over the destination when one exists, and an empty
// database file is created when not.
func (s Storage) Initialize(name string, overwrite bool) error {
	if err := validateName(name); err != nil {
		return &Error{Code: CodeInitFailed, Message: "invalid database name", Err: err}
	}

	dst := s.Path(name)
	_, err := os.Stat(dst)
	switch {
	case err == nil && !overwrite:
		return nil
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return &Error{Code: CodeInitFailed, Message: "stat " + dst, Err: err}
	}

	if err := os.MkdirAll(s.Dir, 0o750); err != nil {
		return &Error{Code: CodeInitFailed, Message: "create database directory", Err: err}
	}

	if tpl := s.TemplatePath(name); tpl != "" {
		if fi, err := os.Stat(tpl); err == nil && fi.Mode().IsRegular() {
			if err := removeSidecars(dst); err != nil {
				return &Error{Code: CodeInitFailed, Message: "remove stale journal files", Err: err}
			}
			if err := fileutils.CopyFile(tpl, dst); err != nil {
				return &Error{Code: CodeInitFailed, Message: "copy template " + tpl, Err: err}
			}
			return nil
		}
	}

	if err := removeSidecars(dst); err != nil {
		return &Error{Code: CodeInitFailed, Message: "remove stale journal files", Err: err}
	}
	// A zero-length file is a valid empty SQLite database.
	if err := os.WriteFile(dst, nil, 0o640); err != nil {
		return &Error{Code: CodeInitFailed, Message: "create " + dst, Err: err}
	}
	return nil
}

// Remove deletes the database file for name and its journal files.
// Missing files are not an error.
func (s Storage) Remove(name string) error {
	dst := s.Path(name)
	var errs *multierror.Error
	if err := os.Remove(dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs = multierror.Append(errs, err)
	}
	if err := removeSidecars(dst); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

func removeSidecars(path string) error {
	var errs *multierror.Error
	for _, suffix := range sidecars {
		if err := os.Remove(path + suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func validateName(name string) error {
	if name == "" {
		return errors.New("empty name")
	}
	if name != filepath.Base(name) || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("name %q must not contain path separators", name)
	}
	return nil
}
