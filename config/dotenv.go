package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads every file called name found in dir and its parents.
// Files closer to dir win, and variables already set in the process
// environment are never overwritten. It returns the files loaded.
func LoadDotEnv(dir, name string) ([]string, error) {
	envFiles, err := findEnvFiles(dir, name)
	if err != nil {
		return nil, err
	}
	if len(envFiles) == 0 {
		return nil, nil
	}

	if err := godotenv.Load(envFiles...); err != nil {
		return nil, fmt.Errorf("failed to load env files: %w", err)
	}
	log.Printf("Loaded %d environment file(s): %v", len(envFiles), envFiles)
	return envFiles, nil
}

// findEnvFiles walks from dir up to the filesystem root
func findEnvFiles(dir, name string) ([]string, error) {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		dir = wd
	}

	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	var envFiles []string
	for {
		envPath := filepath.Join(dir, name)
		if info, err := os.Stat(envPath); err == nil && !info.IsDir() {
			envFiles = append(envFiles, envPath)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return envFiles, nil
}
