package jupyter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	ConnectionFileFormat     = "kernel-%s.json"
	TempConnectionFileFormat = "kernel-%s-*.json" // "*" is a placeholder for random string
)

// WriteConnectionFile writes the connection info of the specified kernel to "<dir>/kernel-<kernelId>.json".
//
// If dir is empty, the file is created in the OS temp directory under a unique name.
// The path of the file that was written is returned.
func WriteConnectionFile(dir string, kernelId string, info *ConnectionInfo) (string, error) {
	jsonContent, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return "", err
	}

	var f *os.File
	if dir == "" {
		f, err = os.CreateTemp("", fmt.Sprintf(TempConnectionFileFormat, kernelId))
	} else {
		if err = os.MkdirAll(dir, 0o700); err != nil {
			return "", err
		}
		f, err = os.OpenFile(filepath.Join(dir, fmt.Sprintf(ConnectionFileFormat, kernelId)), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	}
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err = f.Write(jsonContent); err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}

	return f.Name(), nil
}

// ReadConnectionFile loads the ConnectionInfo stored in the file at path.
func ReadConnectionFile(path string) (*ConnectionInfo, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var info ConnectionInfo
	if err = json.Unmarshal(content, &info); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConnectionInfo, path, err)
	}

	return &info, nil
}

// RemoveConnectionFile removes the connection file at path. A missing file is not an error.
func RemoveConnectionFile(path string) error {
	if path == "" {
		return nil
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}
