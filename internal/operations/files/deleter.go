package files

import (
	"os"

	"github.com/CloudNativeWorks/otad/pkg/logger"
)

type DeleteFilesResult struct {
	DeletedFiles []string
	Errors       []error
}

// DeleteFiles removes every path, ignoring ones that are already gone.
func DeleteFiles(filePaths []string, log *logger.Logger) DeleteFilesResult {
	result := DeleteFilesResult{
		DeletedFiles: []string{},
		Errors:       []error{},
	}

	for _, path := range filePaths {
		if err := os.Remove(path); err != nil {
			if !os.IsNotExist(err) {
				log.Warnf("Failed to remove file %s: %v", path, err)
				result.Errors = append(result.Errors, err)
			}
		} else {
			log.Debugf("Successfully deleted file: %s", path)
			result.DeletedFiles = append(result.DeletedFiles, path)
		}
	}

	return result
}
