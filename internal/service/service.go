// Package service installs the agent to start with the user session.
package service

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/template"
)

const appName = "kanban-agent"

var (
	ErrAlreadyInstalled = errors.New("auto-start is already installed")
	ErrNotInstalled     = errors.New("auto-start is not installed")
	ErrUnsupported      = errors.New("auto-start is not supported on this platform")
)

// Service manages auto-start of the agent for the current user.
type Service interface {
	Install() error
	Uninstall() error
	IsInstalled() bool
	Status() (string, error)
}

// templateData is what the platform unit templates are rendered with.
type templateData struct {
	Label          string
	ExecutablePath string
	Args           []string
	LogPath        string
	WorkingDir     string
}

// executablePath returns the running binary with symlinks resolved.
func executablePath() (string, error) {
	execPath, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to get executable path: %w", err)
	}
	execPath, err = filepath.EvalSymlinks(execPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve executable path: %w", err)
	}
	return execPath, nil
}

// renderTemplate executes text into w.
func renderTemplate(w io.Writer, name, text string, data templateData) error {
	tmpl, err := template.New(name).Parse(text)
	if err != nil {
		return fmt.Errorf("failed to parse %s template: %w", name, err)
	}
	if err := tmpl.Execute(w, data); err != nil {
		return fmt.Errorf("failed to render %s template: %w", name, err)
	}
	return nil
}

// writeTemplateFile renders text to path, creating parent directories.
func writeTemplateFile(path, name, text string, data templateData) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", name, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s file: %w", name, err)
	}
	if err := renderTemplate(f, name, text, data); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
